package store

import (
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrServerAlreadyLinked is returned when a server link would bind a source guild or target server that is
	// already bound. Each side of a link is one-to-one.
	ErrServerAlreadyLinked = errors.New("server already linked")

	// ErrChannelAlreadyLinked is returned when a channel link would reuse either endpoint of an existing link.
	ErrChannelAlreadyLinked = errors.New("channel already linked")

	// ErrCodeUsed is returned when a claim code was already consumed by another caller.
	ErrCodeUsed = errors.New("claim code already used")

	// ErrCodeExpired is returned when a claim code is older than its validity window.
	ErrCodeExpired = errors.New("claim code expired")

	// ErrActiveJobExists is returned when an export is requested for a channel that already has a pending, running,
	// or paused export job.
	ErrActiveJobExists = errors.New("channel already has an active archive job")

	// ErrJobNotImportable is returned when an import is requested for a job that is not a completed export.
	ErrJobNotImportable = errors.New("job is not a completed export")
)

// SQLite extended result codes for constraint violation detection.
const (
	codeConstraintUnique     = 2067
	codeConstraintPrimaryKey = 1555
)

// IsUniqueViolation reports whether err represents a SQLite unique or primary key constraint violation.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == codeConstraintUnique || se.Code() == codeConstraintPrimaryKey
	}
	// The driver occasionally surfaces constraint failures as plain errors (e.g. inside explicit transactions).
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
