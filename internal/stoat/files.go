package stoat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// CDN upload tags. The tag selects the bucket and the serving path of the stored file.
const (
	TagAttachments = "attachments"
	TagIcons       = "icons"
	TagBanners     = "banners"
	TagAvatars     = "avatars"
	TagEmojis      = "emojis"
)

// UploadResponse is the CDN's reply to a successful upload.
type UploadResponse struct {
	ID string `json:"id"`
}

// Upload pushes file data to the CDN under the given tag and returns the file id. The id is then
// referenced from message sends, server edits, or emoji creation.
func (c *Client) Upload(ctx context.Context, tag, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cdnURL+"/"+tag, &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("x-bot-token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", tag, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &APIError{
			Status: resp.StatusCode,
			Method: http.MethodPost,
			Path:   "/" + tag,
			Body:   strings.TrimSpace(string(raw)),
		}
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return out.ID, nil
}

// FileURL returns the public URL of a stored file.
func (c *Client) FileURL(tag, fileID string) string {
	return fmt.Sprintf("%s/%s/%s", c.cdnURL, tag, fileID)
}

// AttachmentURL returns the public URL of a message attachment.
func (c *Client) AttachmentURL(f *File) string {
	tag := f.Tag
	if tag == "" {
		tag = TagAttachments
	}
	return c.FileURL(tag, f.ID)
}

// AvatarURL returns a 256-px avatar URL for the user, or empty if the user has none.
func (c *Client) AvatarURL(u *User) string {
	if u == nil || u.Avatar == nil {
		return ""
	}
	return c.FileURL(TagAvatars, u.Avatar.ID) + "?max_side=256"
}

// Download fetches a file over plain HTTP, refusing to read past maxBytes. The URL may point at
// either platform's CDN; no credentials are attached.
func (c *Client) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Method: http.MethodGet, Path: rawURL}
	}
	if resp.ContentLength > maxBytes {
		return nil, ErrFileTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}
