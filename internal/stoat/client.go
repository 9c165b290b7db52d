// Package stoat is the client for the target chat platform: REST with shared rate-limit buckets,
// the gateway WebSocket session with a REST polling fallback, and the file CDN sidecar.
package stoat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// defaultTimeout bounds every REST call.
const defaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is retained for reporting.
const maxErrorBody = 4096

// Client is the REST client for the target platform. All methods are safe for concurrent use;
// calls touching the same server or channel serialize through the shared rate limiter.
type Client struct {
	baseURL string
	cdnURL  string
	token   string
	http    *http.Client
	limits  *limiter
	log     zerolog.Logger
}

// NewClient builds a REST client for the given API and CDN base URLs.
func NewClient(baseURL, cdnURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cdnURL:  strings.TrimSuffix(cdnURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		limits:  newLimiter(),
		log:     logger.With().Str("component", "stoat").Logger(),
	}
}

// do executes one REST call: wait out the bucket, attach the bot token, retry transparently on
// 429, and decode the response into out (nil out discards the body).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	key := bucketKey(path)
	for {
		if err := c.limits.wait(ctx, key); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("x-bot-token", c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		c.limits.update(key, resp.Header)

		if resp.StatusCode == http.StatusTooManyRequests {
			drain(resp)
			delay := retryAfter(resp.Header)
			c.log.Warn().Str("bucket", key).Dur("retry_after", delay).Msg("Rate limited, retrying")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			drain(resp)
			return &APIError{
				Status: resp.StatusCode,
				Method: method,
				Path:   path,
				Body:   strings.TrimSpace(string(raw)),
			}
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			drain(resp)
			return nil
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		drain(resp)
		if err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
}

// drain discards any unread body so the connection can be reused, then closes it.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Me returns the bot's own user record.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FetchUser returns a user by id.
func (c *Client) FetchUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/"+userID, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateServer creates a new server owned by the bot.
func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (*CreateServerResponse, error) {
	var out CreateServerResponse
	if err := c.do(ctx, http.MethodPost, "/servers/create", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchServer returns a server by id.
func (c *Client) FetchServer(ctx context.Context, serverID string) (*Server, error) {
	var s Server
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverID, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EditServer applies a partial update to a server.
func (c *Client) EditServer(ctx context.Context, serverID string, req EditServerRequest) error {
	return c.do(ctx, http.MethodPatch, "/servers/"+serverID, req, nil)
}

// FetchMember returns one member of a server.
func (c *Client) FetchMember(ctx context.Context, serverID, userID string) (*Member, error) {
	var m Member
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/members/"+userID, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchMembers returns every member of a server together with their user records.
func (c *Client) FetchMembers(ctx context.Context, serverID string) (*MemberList, error) {
	var out MemberList
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/members", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchBans returns the server's ban list.
func (c *Client) FetchBans(ctx context.Context, serverID string) (*BanList, error) {
	var out BanList
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/bans", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateChannel creates a channel inside a server.
func (c *Client) CreateChannel(ctx context.Context, serverID string, req CreateChannelRequest) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/servers/"+serverID+"/channels", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// FetchChannel returns a channel by id.
func (c *Client) FetchChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// EditChannel applies a partial update to a channel.
func (c *Client) EditChannel(ctx context.Context, channelID string, req EditChannelRequest) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, req, nil)
}

// FetchMessages lists channel messages narrowed by the given options.
func (c *Client) FetchMessages(ctx context.Context, channelID string, opts FetchMessagesOptions) ([]Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	if opts.After != "" {
		q.Set("after", opts.After)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	path := "/channels/" + channelID + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchMessage returns one message by id.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	var m Message
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendMessage posts a message to a channel. A unique nonce is attached when the caller did not
// set one, so retried sends are not duplicated by the platform.
func (c *Client) SendMessage(ctx context.Context, channelID string, req SendMessage) (*Message, error) {
	if req.Nonce == "" {
		req.Nonce = ulid.Make().String()
	}
	var m Message
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EditMessage replaces the content of an existing message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	req := EditMessageRequest{Content: content}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, req, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

// CreateRole creates a server role and returns its id.
func (c *Client) CreateRole(ctx context.Context, serverID string, req CreateRoleRequest) (*CreateRoleResponse, error) {
	var out CreateRoleResponse
	if err := c.do(ctx, http.MethodPost, "/servers/"+serverID+"/roles", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditRole applies a partial update to a role.
func (c *Client) EditRole(ctx context.Context, serverID, roleID string, req EditRoleRequest) error {
	return c.do(ctx, http.MethodPatch, "/servers/"+serverID+"/roles/"+roleID, req, nil)
}

// SetRolePermission replaces a role's server-wide allow/deny override.
func (c *Client) SetRolePermission(ctx context.Context, serverID, roleID string, allow, deny uint64) error {
	req := SetPermissionRequest{Permissions: PermissionValue{Allow: allow, Deny: deny}}
	return c.do(ctx, http.MethodPut, "/servers/"+serverID+"/permissions/"+roleID, req, nil)
}

// SetDefaultPermission replaces the server's everyone-level permission value.
func (c *Client) SetDefaultPermission(ctx context.Context, serverID string, perms uint64) error {
	req := struct {
		Permissions uint64 `json:"permissions"`
	}{Permissions: perms}
	return c.do(ctx, http.MethodPut, "/servers/"+serverID+"/permissions/default", req, nil)
}

// SetChannelRolePermission replaces a role's allow/deny override on one channel.
func (c *Client) SetChannelRolePermission(ctx context.Context, channelID, roleID string, allow, deny uint64) error {
	req := SetPermissionRequest{Permissions: PermissionValue{Allow: allow, Deny: deny}}
	return c.do(ctx, http.MethodPut, "/channels/"+channelID+"/permissions/"+roleID, req, nil)
}

// CreateEmoji attaches a previously uploaded file as a server emoji.
func (c *Client) CreateEmoji(ctx context.Context, fileID string, req CreateEmojiRequest) (*Emoji, error) {
	var e Emoji
	if err := c.do(ctx, http.MethodPut, "/custom/emoji/"+fileID, req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// FetchEmojis lists a server's custom emojis.
func (c *Client) FetchEmojis(ctx context.Context, serverID string) ([]Emoji, error) {
	var out []Emoji
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverID+"/emojis", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidID reports whether s is a well-formed platform id.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
