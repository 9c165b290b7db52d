package stoat

import "encoding/json"

// Channel types as reported in the channel_type discriminator.
const (
	ChannelText  = "TextChannel"
	ChannelVoice = "VoiceChannel"
	ChannelDM    = "DirectMessage"
	ChannelGroup = "Group"
	ChannelSaved = "SavedMessages"
)

// Server permission bits carried in role overrides.
const (
	PermManageChannel       uint64 = 1 << 0
	PermManageServer        uint64 = 1 << 1
	PermManagePermissions   uint64 = 1 << 2
	PermManageRole          uint64 = 1 << 3
	PermManageCustomisation uint64 = 1 << 4
	PermKickMembers         uint64 = 1 << 6
	PermBanMembers          uint64 = 1 << 7
	PermTimeoutMembers      uint64 = 1 << 8
	PermAssignRoles         uint64 = 1 << 9
	PermChangeNickname      uint64 = 1 << 10
	PermManageNicknames     uint64 = 1 << 11
	PermChangeAvatar        uint64 = 1 << 12
	PermRemoveAvatars       uint64 = 1 << 13
	PermViewChannel         uint64 = 1 << 20
	PermReadMessageHistory  uint64 = 1 << 21
	PermSendMessage         uint64 = 1 << 22
	PermManageMessages      uint64 = 1 << 23
	PermManageWebhooks      uint64 = 1 << 24
	PermInviteOthers        uint64 = 1 << 25
	PermSendEmbeds          uint64 = 1 << 26
	PermUploadFiles         uint64 = 1 << 27
	PermMasquerade          uint64 = 1 << 28
	PermReact               uint64 = 1 << 29
	PermConnect             uint64 = 1 << 30
	PermSpeak               uint64 = 1 << 31
	PermVideo               uint64 = 1 << 32
	PermMuteMembers         uint64 = 1 << 33
	PermDeafenMembers       uint64 = 1 << 34
	PermMoveMembers         uint64 = 1 << 35
	PermMentionEveryone     uint64 = 1 << 37
	PermMentionRoles        uint64 = 1 << 38
)

// File is uploaded CDN content referenced from users, servers, and messages.
type File struct {
	ID          string `json:"_id"`
	Tag         string `json:"tag"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// BotInfo is present on user records owned by a bot account.
type BotInfo struct {
	Owner string `json:"owner"`
}

// User is a platform account, human or bot. Relationship is only populated inside a Ready
// snapshot, where "User" marks the session's own account.
type User struct {
	ID            string   `json:"_id"`
	Username      string   `json:"username"`
	Discriminator string   `json:"discriminator,omitempty"`
	DisplayName   *string  `json:"display_name,omitempty"`
	Avatar        *File    `json:"avatar,omitempty"`
	Bot           *BotInfo `json:"bot,omitempty"`
	Relationship  string   `json:"relationship,omitempty"`
}

// Name returns the display name when set, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != nil && *u.DisplayName != "" {
		return *u.DisplayName
	}
	return u.Username
}

// Override is an allow/deny permission pair.
type Override struct {
	Allow uint64 `json:"a"`
	Deny  uint64 `json:"d"`
}

// Role is a server role. Roles live inside the server record keyed by role id.
type Role struct {
	Name        string   `json:"name"`
	Permissions Override `json:"permissions"`
	Colour      *string  `json:"colour,omitempty"`
	Hoist       bool     `json:"hoist,omitempty"`
	Rank        int      `json:"rank,omitempty"`
}

// Category groups channel ids under a title in the server's channel list.
type Category struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Channels []string `json:"channels"`
}

// SystemMessages configures which channels receive membership notices.
type SystemMessages struct {
	UserJoined *string `json:"user_joined,omitempty"`
	UserLeft   *string `json:"user_left,omitempty"`
	UserKicked *string `json:"user_kicked,omitempty"`
	UserBanned *string `json:"user_banned,omitempty"`
}

// Server is a community holding channels, roles, and members.
type Server struct {
	ID             string          `json:"_id"`
	Owner          string          `json:"owner"`
	Name           string          `json:"name"`
	Description    *string         `json:"description,omitempty"`
	Channels       []string        `json:"channels"`
	Categories     []Category      `json:"categories,omitempty"`
	Roles          map[string]Role `json:"roles,omitempty"`
	SystemMessages *SystemMessages `json:"system_messages,omitempty"`
	Icon           *File           `json:"icon,omitempty"`
	Banner         *File           `json:"banner,omitempty"`
	NSFW           bool            `json:"nsfw,omitempty"`
}

// Channel is any channel variant; fields are populated according to channel_type.
type Channel struct {
	ID          string   `json:"_id"`
	ChannelType string   `json:"channel_type"`
	Server      string   `json:"server,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`
	User        string   `json:"user,omitempty"`
	Icon        *File    `json:"icon,omitempty"`
	NSFW        bool     `json:"nsfw,omitempty"`
}

// IsDirect reports whether the channel delivers to a fixed recipient list rather than a server audience.
func (c *Channel) IsDirect() bool {
	return c.ChannelType == ChannelDM || c.ChannelType == ChannelGroup
}

// MemberID is the composite key of a server member.
type MemberID struct {
	Server string `json:"server"`
	User   string `json:"user"`
}

// Member is a user's presence within one server.
type Member struct {
	ID       MemberID `json:"_id"`
	Nickname *string  `json:"nickname,omitempty"`
	Avatar   *File    `json:"avatar,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Masquerade overrides the displayed author of a message.
type Masquerade struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Colour string `json:"colour,omitempty"`
}

// Message is a channel message as returned by the REST API and the gateway.
type Message struct {
	ID          string          `json:"_id"`
	Nonce       string          `json:"nonce,omitempty"`
	Channel     string          `json:"channel"`
	Author      string          `json:"author"`
	Content     string          `json:"content,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
	Attachments []File          `json:"attachments,omitempty"`
	Edited      *string         `json:"edited,omitempty"`
	Mentions    []string        `json:"mentions,omitempty"`
	Replies     []string        `json:"replies,omitempty"`
	Masquerade  *Masquerade     `json:"masquerade,omitempty"`
}

// IsSystem reports whether the message is a platform notice rather than user content.
func (m *Message) IsSystem() bool {
	return len(m.System) > 0
}

// Reply references an earlier message from a send payload.
type Reply struct {
	ID      string `json:"id"`
	Mention bool   `json:"mention"`
}

// SendableEmbed is a custom embed attached to an outgoing message.
type SendableEmbed struct {
	Type        string `json:"type,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Colour      string `json:"colour,omitempty"`
}

// SendMessage is the body of a message create or edit call.
type SendMessage struct {
	Content     string          `json:"content,omitempty"`
	Nonce       string          `json:"nonce,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Replies     []Reply         `json:"replies,omitempty"`
	Embeds      []SendableEmbed `json:"embeds,omitempty"`
	Masquerade  *Masquerade     `json:"masquerade,omitempty"`
}

// EditMessageRequest is the body of PATCH /channels/{c}/messages/{m}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// MemberList is the reply of GET /servers/{id}/members.
type MemberList struct {
	Members []Member `json:"members"`
	Users   []User   `json:"users"`
}

// Ban records one server ban.
type Ban struct {
	ID     MemberID `json:"_id"`
	Reason *string  `json:"reason,omitempty"`
}

// BanList is the reply of GET /servers/{id}/bans.
type BanList struct {
	Users []User `json:"users"`
	Bans  []Ban  `json:"bans"`
}

// EmojiParent identifies what an emoji is attached to.
type EmojiParent struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Emoji is a custom emoji. Its id doubles as the CDN file id.
type Emoji struct {
	ID       string      `json:"_id"`
	Parent   EmojiParent `json:"parent"`
	Name     string      `json:"name"`
	Animated bool        `json:"animated,omitempty"`
}

// CreateServerRequest is the body of POST /servers/create.
type CreateServerRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// CreateServerResponse wraps the created server together with its initial channels.
type CreateServerResponse struct {
	Server   Server    `json:"server"`
	Channels []Channel `json:"channels"`
}

// EditServerRequest is the body of PATCH /servers/{id}. Nil fields are left unchanged.
type EditServerRequest struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Icon        *string    `json:"icon,omitempty"`
	Banner      *string    `json:"banner,omitempty"`
	Categories  []Category `json:"categories,omitempty"`
}

// CreateChannelRequest is the body of POST /servers/{id}/channels.
type CreateChannelRequest struct {
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	NSFW        *bool   `json:"nsfw,omitempty"`
}

// EditChannelRequest is the body of PATCH /channels/{id}.
type EditChannelRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	NSFW        *bool   `json:"nsfw,omitempty"`
}

// CreateRoleRequest is the body of POST /servers/{id}/roles.
type CreateRoleRequest struct {
	Name string `json:"name"`
	Rank *int   `json:"rank,omitempty"`
}

// CreateRoleResponse returns the new role's id alongside its record.
type CreateRoleResponse struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// EditRoleRequest is the body of PATCH /servers/{s}/roles/{r}.
type EditRoleRequest struct {
	Name   *string `json:"name,omitempty"`
	Colour *string `json:"colour,omitempty"`
	Hoist  *bool   `json:"hoist,omitempty"`
	Rank   *int    `json:"rank,omitempty"`
}

// SetPermissionRequest is the body of PUT …/permissions/{role}.
type SetPermissionRequest struct {
	Permissions PermissionValue `json:"permissions"`
}

// PermissionValue carries an allow/deny pair for a role override.
type PermissionValue struct {
	Allow uint64 `json:"allow"`
	Deny  uint64 `json:"deny"`
}

// CreateEmojiRequest is the body of PUT /custom/emoji/{fileId}.
type CreateEmojiRequest struct {
	Name   string      `json:"name"`
	Parent EmojiParent `json:"parent"`
}

// FetchMessagesOptions narrows GET /channels/{c}/messages.
type FetchMessagesOptions struct {
	Limit  int
	Before string
	After  string
	Sort   string
}
