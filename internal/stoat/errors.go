package stoat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates a 404 from the REST API.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the token was rejected (401 or 403).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadRequest indicates the API rejected the payload (400).
	ErrBadRequest = errors.New("bad request")

	// ErrFileTooLarge indicates a download exceeded the caller's byte cap.
	ErrFileTooLarge = errors.New("file too large")
)

// APIError is a non-2xx REST response. The body is retained so command surfaces can show the
// platform's own validation message.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Is maps HTTP statuses onto the package sentinels so callers can test with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrBadRequest:
		return e.Status == http.StatusBadRequest
	}
	return false
}
