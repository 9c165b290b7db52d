package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// ErrCancelled distinguishes an operator cancel from an ordinary failure. Partial state
// persists; a later run picks up where this one stopped.
var ErrCancelled = errors.New("migration cancelled")

// Mode selects which entity classes the executor reconciles.
type Mode string

const (
	// ModeMissing creates absent entities and updates existing ones that drifted.
	ModeMissing Mode = "missing"
	// ModeFull re-applies every in-scope entity unconditionally.
	ModeFull Mode = "full"
	// ModeRoles touches roles only.
	ModeRoles Mode = "roles"
	// ModeCategories only rewrites the category organization from already-mapped channels.
	ModeCategories Mode = "categories"
)

// ParseMode validates an externally supplied mode string, defaulting to missing.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeMissing, nil
	case ModeMissing, ModeFull, ModeRoles, ModeCategories:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown migration mode %q", s)
	}
}

// Options tunes one executor run.
type Options struct {
	Mode            Mode
	DryRun          bool
	IncludeEmoji    bool
	IncludeMedia    bool
	IncludeSnapshot bool
}

const (
	nameMax        = 32
	emojiFileLimit = 500 * 1024
	mediaFileLimit = 8 * 1024 * 1024
)

// SourceSyncAPI is the slice of the source client the executor reads structure from.
type SourceSyncAPI interface {
	Guild(ctx context.Context, guildID string) (*discordgo.Guild, error)
	GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error)
	GuildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error)
	GuildMembers(ctx context.Context, guildID, after string, limit int) ([]*discordgo.Member, error)
	GuildBans(ctx context.Context, guildID, after string, limit int) ([]*discordgo.GuildBan, error)
}

// TargetSyncAPI is the slice of the target client the executor writes structure through.
type TargetSyncAPI interface {
	FetchServer(ctx context.Context, serverID string) (*stoat.Server, error)
	EditServer(ctx context.Context, serverID string, req stoat.EditServerRequest) error
	FetchChannel(ctx context.Context, channelID string) (*stoat.Channel, error)
	CreateChannel(ctx context.Context, serverID string, req stoat.CreateChannelRequest) (*stoat.Channel, error)
	EditChannel(ctx context.Context, channelID string, req stoat.EditChannelRequest) error
	CreateRole(ctx context.Context, serverID string, req stoat.CreateRoleRequest) (*stoat.CreateRoleResponse, error)
	EditRole(ctx context.Context, serverID, roleID string, req stoat.EditRoleRequest) error
	SetRolePermission(ctx context.Context, serverID, roleID string, allow, deny uint64) error
	FetchEmojis(ctx context.Context, serverID string) ([]stoat.Emoji, error)
	CreateEmoji(ctx context.Context, fileID string, req stoat.CreateEmojiRequest) (*stoat.Emoji, error)
	Upload(ctx context.Context, tag, filename string, data []byte) (string, error)
	Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
}

// Executor mirrors a source guild's structure onto its linked target server: roles,
// channels, category organization, description, and optionally emoji and media.
type Executor struct {
	db     *store.Store
	source SourceSyncAPI
	target TargetSyncAPI
	log    zerolog.Logger

	roleGap    time.Duration
	channelGap time.Duration
	emojiGap   time.Duration
}

func NewExecutor(db *store.Store, source SourceSyncAPI, target TargetSyncAPI, logger zerolog.Logger) *Executor {
	return &Executor{
		db:         db,
		source:     source,
		target:     target,
		log:        logger.With().Str("component", "migration").Logger(),
		roleGap:    2500 * time.Millisecond,
		channelGap: 2500 * time.Millisecond,
		emojiGap:   2000 * time.Millisecond,
	}
}

// targetState indexes existing target entities by lowercased name for the diff.
type targetState struct {
	roles    map[string]string
	roleRecs map[string]stoat.Role
	channels map[string]*stoat.Channel
}

// Run reconciles the source guild onto the linked target server. Per-entity failures are
// recorded in the tracker and skipped; only cancellation and unreadable endpoints abort.
func (x *Executor) Run(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker) error {
	if opts.Mode == "" {
		opts.Mode = ModeMissing
	}

	prog.Action("reading source guild")
	guild, err := x.source.Guild(ctx, link.SourceGuildID)
	if err != nil {
		return fmt.Errorf("fetch source guild: %w", err)
	}
	srcChannels, err := x.source.GuildChannels(ctx, link.SourceGuildID)
	if err != nil {
		return fmt.Errorf("fetch source channels: %w", err)
	}
	srcRoles, err := x.source.GuildRoles(ctx, link.SourceGuildID)
	if err != nil {
		return fmt.Errorf("fetch source roles: %w", err)
	}

	prog.Action("reading target server")
	server, err := x.target.FetchServer(ctx, link.TargetServerID)
	if err != nil {
		return fmt.Errorf("fetch target server: %w", err)
	}
	state := x.readTarget(ctx, server)

	roles := eligibleRoles(srcRoles, link.SourceGuildID)
	channels := eligibleChannels(srcChannels)

	rolesPhase := opts.Mode != ModeCategories
	channelsPhase := opts.Mode == ModeMissing || opts.Mode == ModeFull
	categoriesPhase := opts.Mode != ModeRoles
	serverPhase := opts.Mode == ModeMissing || opts.Mode == ModeFull

	var emojis []*discordgo.Emoji
	if serverPhase && opts.IncludeEmoji {
		emojis, err = x.source.GuildEmojis(ctx, link.SourceGuildID)
		if err != nil {
			return fmt.Errorf("fetch source emoji: %w", err)
		}
	}

	if rolesPhase {
		prog.AddTotal(len(roles))
	}
	if channelsPhase {
		prog.AddTotal(len(channels))
	}
	if categoriesPhase {
		prog.AddTotal(1)
	}
	if serverPhase {
		prog.AddTotal(1)
		if opts.IncludeEmoji {
			prog.AddTotal(len(emojis))
		}
		if opts.IncludeMedia {
			if guild.Icon != "" {
				prog.AddTotal(1)
			}
			if guild.Banner != "" {
				prog.AddTotal(1)
			}
		}
	}

	if rolesPhase {
		if err := x.syncRoles(ctx, link, opts, prog, roles, state); err != nil {
			return err
		}
	}
	if channelsPhase {
		if err := x.syncChannels(ctx, link, opts, prog, channels, state); err != nil {
			return err
		}
	}
	if categoriesPhase {
		if err := x.syncCategories(ctx, link, opts, prog, srcChannels, state); err != nil {
			return err
		}
	}
	if serverPhase {
		if err := x.syncDescription(ctx, link, opts, prog, guild, server); err != nil {
			return err
		}
		if opts.IncludeEmoji {
			if err := x.syncEmoji(ctx, link, opts, prog, emojis); err != nil {
				return err
			}
		}
		if opts.IncludeMedia {
			if err := x.syncMedia(ctx, link, opts, prog, guild); err != nil {
				return err
			}
		}
	}
	if opts.IncludeSnapshot {
		x.captureSnapshot(ctx, link, prog)
	}

	prog.Action("done")
	return nil
}

func (x *Executor) readTarget(ctx context.Context, server *stoat.Server) *targetState {
	state := &targetState{
		roles:    make(map[string]string, len(server.Roles)),
		roleRecs: server.Roles,
		channels: make(map[string]*stoat.Channel, len(server.Channels)),
	}
	for id, role := range server.Roles {
		state.roles[strings.ToLower(role.Name)] = id
	}
	for _, id := range server.Channels {
		ch, err := x.target.FetchChannel(ctx, id)
		if err != nil {
			x.log.Warn().Err(err).Str("channel", id).Msg("Read target channel failed, skipping")
			continue
		}
		if ch.ChannelType == stoat.ChannelText || ch.ChannelType == stoat.ChannelVoice {
			state.channels[strings.ToLower(ch.Name)] = ch
		}
	}
	return state
}

func (x *Executor) syncRoles(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker, roles []*discordgo.Role, state *targetState) error {
	for _, role := range roles {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		name := x.mappedName(prog, "role", role.Name)
		warnRoleFeatures(prog, role)
		prog.Action("role %s", name)

		allow := mapPermissions(role.Permissions)
		colour := hexColour(role.Color)
		key := strings.ToLower(name)

		targetID, exists := state.roles[key]
		switch {
		case !exists:
			if opts.DryRun {
				prog.DryRun("create role %q", name)
				prog.Created()
			} else {
				created, err := x.target.CreateRole(ctx, link.TargetServerID, stoat.CreateRoleRequest{Name: name})
				if err != nil {
					prog.Errorf("create role %q: %v", name, err)
					prog.Complete()
					continue
				}
				targetID = created.ID
				state.roles[key] = targetID
				state.roleRecs[targetID] = created.Role

				edit := stoat.EditRoleRequest{Colour: colour}
				if role.Hoist {
					hoist := true
					edit.Hoist = &hoist
				}
				if edit != (stoat.EditRoleRequest{}) {
					if err := x.target.EditRole(ctx, link.TargetServerID, targetID, edit); err != nil {
						prog.Errorf("edit role %q: %v", name, err)
					}
				}
				if err := x.target.SetRolePermission(ctx, link.TargetServerID, targetID, allow, 0); err != nil {
					prog.Errorf("set role %q permissions: %v", name, err)
				}
				prog.Created()
			}
		default:
			if opts.DryRun {
				prog.DryRun("update role %q", name)
				prog.Updated()
			} else {
				existing := state.roleRecs[targetID]
				edit := stoat.EditRoleRequest{}
				if colour != nil && (existing.Colour == nil || !strings.EqualFold(*existing.Colour, *colour)) {
					edit.Colour = colour
				}
				if existing.Hoist != role.Hoist {
					hoist := role.Hoist
					edit.Hoist = &hoist
				}
				if edit != (stoat.EditRoleRequest{}) {
					if err := x.target.EditRole(ctx, link.TargetServerID, targetID, edit); err != nil {
						prog.Errorf("edit role %q: %v", name, err)
					}
				}
				// Permissions are re-applied even when properties match: the allow mask is
				// not diffable from the name alone and drifts independently.
				if err := x.target.SetRolePermission(ctx, link.TargetServerID, targetID, allow, 0); err != nil {
					prog.Errorf("set role %q permissions: %v", name, err)
				}
				prog.Updated()
			}
		}

		if !opts.DryRun && targetID != "" {
			roleLink := store.RoleLink{SourceRoleID: role.ID, TargetRoleID: targetID, SourceGuildID: link.SourceGuildID}
			if err := x.db.UpsertRoleLink(ctx, roleLink); err != nil {
				x.log.Error().Err(err).Str("role", role.ID).Msg("Persist role link failed")
			}
		}
		prog.Complete()
		if err := x.pause(ctx, opts, x.roleGap); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) syncChannels(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker, channels []*discordgo.Channel, state *targetState) error {
	for _, ch := range channels {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		name := x.mappedName(prog, "channel", ch.Name)
		prog.Action("channel %s", name)
		key := strings.ToLower(name)

		existing, exists := state.channels[key]
		if !exists {
			if opts.DryRun {
				prog.DryRun("create channel %q", name)
				prog.Created()
			} else {
				req := stoat.CreateChannelRequest{Type: "Text", Name: name}
				if ch.Topic != "" {
					topic := ch.Topic
					req.Description = &topic
				}
				if ch.NSFW {
					nsfw := true
					req.NSFW = &nsfw
				}
				created, err := x.target.CreateChannel(ctx, link.TargetServerID, req)
				if err != nil {
					prog.Errorf("create channel %q: %v", name, err)
					prog.Complete()
					continue
				}
				state.channels[key] = created
				prog.Created()
			}
		} else {
			if opts.DryRun {
				prog.DryRun("update channel %q", name)
				prog.Updated()
			} else {
				edit := stoat.EditChannelRequest{}
				if ch.Topic != "" && (existing.Description == nil || *existing.Description != ch.Topic) {
					topic := ch.Topic
					edit.Description = &topic
				}
				if existing.NSFW != ch.NSFW {
					nsfw := ch.NSFW
					edit.NSFW = &nsfw
				}
				if edit != (stoat.EditChannelRequest{}) {
					if err := x.target.EditChannel(ctx, existing.ID, edit); err != nil {
						prog.Errorf("edit channel %q: %v", name, err)
					}
				}
				prog.Updated()
			}
		}
		prog.Complete()
		if err := x.pause(ctx, opts, x.channelGap); err != nil {
			return err
		}
	}
	return nil
}

// syncCategories rewrites the target's category array from the source layout. Every mapped
// channel participates, not only ones this run created, so existing organization survives.
func (x *Executor) syncCategories(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker, srcChannels []*discordgo.Channel, state *targetState) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	prog.Action("categories")

	var parents []*discordgo.Channel
	for _, ch := range srcChannels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			parents = append(parents, ch)
		}
	}
	sort.SliceStable(parents, func(i, j int) bool { return parents[i].Position < parents[j].Position })

	members := eligibleChannels(srcChannels)
	var categories []stoat.Category
	for _, parent := range parents {
		var ids []string
		for _, ch := range members {
			if ch.ParentID != parent.ID {
				continue
			}
			if target, ok := state.channels[strings.ToLower(clampName(ch.Name))]; ok {
				ids = append(ids, target.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		title := clampName(parent.Name)
		categories = append(categories, stoat.Category{ID: categoryID(title), Title: title, Channels: ids})
	}

	switch {
	case opts.DryRun:
		prog.DryRun("organize %d categories", len(categories))
	case len(categories) > 0:
		if err := x.target.EditServer(ctx, link.TargetServerID, stoat.EditServerRequest{Categories: categories}); err != nil {
			prog.Errorf("organize categories: %v", err)
		}
	}
	prog.Complete()
	return nil
}

func (x *Executor) syncDescription(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker, guild *discordgo.Guild, server *stoat.Server) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	prog.Action("server description")

	have := ""
	if server.Description != nil {
		have = *server.Description
	}
	if guild.Description == "" || guild.Description == have {
		prog.Skipped()
		prog.Complete()
		return nil
	}
	if opts.DryRun {
		prog.DryRun("set server description")
	} else {
		desc := guild.Description
		if err := x.target.EditServer(ctx, link.TargetServerID, stoat.EditServerRequest{Description: &desc}); err != nil {
			prog.Errorf("set server description: %v", err)
		}
	}
	prog.Updated()
	prog.Complete()
	return nil
}

func (x *Executor) syncEmoji(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker, emojis []*discordgo.Emoji) error {
	taken := make(map[string]bool)
	existing, err := x.target.FetchEmojis(ctx, link.TargetServerID)
	if err != nil {
		prog.Errorf("list target emoji: %v", err)
	}
	for _, em := range existing {
		taken[strings.ToLower(em.Name)] = true
	}

	for _, em := range emojis {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		name := resolveEmojiName(em.Name, taken)
		prog.Action("emoji %s", name)

		ext := "png"
		if em.Animated {
			ext = "gif"
		}
		if opts.DryRun {
			prog.DryRun("create emoji %q", name)
			prog.Created()
			prog.Complete()
			continue
		}

		url := "https://cdn.discordapp.com/emojis/" + em.ID + "." + ext
		data, err := x.target.Download(ctx, url, emojiFileLimit)
		if err != nil {
			prog.Errorf("download emoji %q: %v", name, err)
			prog.Complete()
			continue
		}
		fileID, err := x.target.Upload(ctx, "emojis", name+"."+ext, data)
		if err != nil {
			prog.Errorf("upload emoji %q: %v", name, err)
			prog.Complete()
			continue
		}
		_, err = x.target.CreateEmoji(ctx, fileID, stoat.CreateEmojiRequest{
			Name:   name,
			Parent: stoat.EmojiParent{Type: "Server", ID: link.TargetServerID},
		})
		if err != nil {
			prog.Errorf("create emoji %q: %v", name, err)
			prog.Complete()
			continue
		}
		taken[strings.ToLower(name)] = true
		prog.Created()
		prog.Complete()
		if err := x.pause(ctx, opts, x.emojiGap); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) syncMedia(ctx context.Context, link *store.ServerLink, opts Options, prog *Tracker, guild *discordgo.Guild) error {
	type mediaItem struct {
		kind string
		url  string
		tag  string
	}
	var items []mediaItem
	if guild.Icon != "" {
		items = append(items, mediaItem{"icon", guild.IconURL("512"), "icons"})
	}
	if guild.Banner != "" {
		items = append(items, mediaItem{"banner", guild.BannerURL("1024"), "banners"})
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		prog.Action("server %s", item.kind)
		if opts.DryRun {
			prog.DryRun("upload server %s", item.kind)
			prog.Updated()
			prog.Complete()
			continue
		}

		data, err := x.target.Download(ctx, item.url, mediaFileLimit)
		if err != nil {
			prog.Errorf("download server %s: %v", item.kind, err)
			prog.Complete()
			continue
		}
		fileID, err := x.target.Upload(ctx, item.tag, item.kind+".png", data)
		if err != nil {
			prog.Errorf("upload server %s: %v", item.kind, err)
			prog.Complete()
			continue
		}
		edit := stoat.EditServerRequest{}
		if item.kind == "icon" {
			edit.Icon = &fileID
		} else {
			edit.Banner = &fileID
		}
		if err := x.target.EditServer(ctx, link.TargetServerID, edit); err != nil {
			prog.Errorf("set server %s: %v", item.kind, err)
		}
		prog.Updated()
		prog.Complete()
	}
	return nil
}

// captureSnapshot counts members and bans for the operator's records. Both listings need
// privileged intents; a 403 surfaces as a warning, not a failure.
func (x *Executor) captureSnapshot(ctx context.Context, link *store.ServerLink, prog *Tracker) {
	prog.Action("capturing snapshot")

	members, after := 0, ""
	for {
		page, err := x.source.GuildMembers(ctx, link.SourceGuildID, after, 1000)
		if err != nil {
			prog.Warnf("member snapshot unavailable: %v", err)
			members = -1
			break
		}
		members += len(page)
		if len(page) < 1000 {
			break
		}
		after = page[len(page)-1].User.ID
	}

	bans, after := 0, ""
	for {
		page, err := x.source.GuildBans(ctx, link.SourceGuildID, after, 1000)
		if err != nil {
			prog.Warnf("ban snapshot unavailable: %v", err)
			bans = -1
			break
		}
		bans += len(page)
		if len(page) < 1000 {
			break
		}
		after = page[len(page)-1].User.ID
	}

	x.log.Info().
		Str("guild", link.SourceGuildID).
		Int("members", members).
		Int("bans", bans).
		Msg("Captured source snapshot")
}

// pause spaces consecutive write operations to respect target rate limits. Dry runs make
// no writes and skip the wait.
func (x *Executor) pause(ctx context.Context, opts Options, d time.Duration) error {
	if opts.DryRun || d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-t.C:
		return nil
	}
}

// mappedName clamps a source name to the target's limit, warning when it loses characters.
func (x *Executor) mappedName(prog *Tracker, kind, name string) string {
	runes := []rune(name)
	if len(runes) <= nameMax {
		return name
	}
	prog.Warnf("%s %q: name truncated to %d characters", kind, name, nameMax)
	return string(runes[:nameMax])
}

func warnRoleFeatures(prog *Tracker, role *discordgo.Role) {
	if role.Mentionable {
		prog.Warnf("role %q: mentionable flag has no target equivalent", role.Name)
	}
	if role.Icon != "" {
		prog.Warnf("role %q: custom icon cannot be migrated", role.Name)
	}
	if role.UnicodeEmoji != "" {
		prog.Warnf("role %q: emoji icon cannot be migrated", role.Name)
	}
}

// eligibleRoles drops @everyone (its id equals the guild id) and integration-managed roles.
func eligibleRoles(roles []*discordgo.Role, guildID string) []*discordgo.Role {
	var out []*discordgo.Role
	for _, role := range roles {
		if role.ID == guildID || role.Managed {
			continue
		}
		out = append(out, role)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position > out[j].Position })
	return out
}

// eligibleChannels keeps text-bearing channels in display order.
func eligibleChannels(channels []*discordgo.Channel) []*discordgo.Channel {
	var out []*discordgo.Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews {
			out = append(out, ch)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// resolveEmojiName appends 0, 1, … until the name is free on the target.
func resolveEmojiName(base string, taken map[string]bool) string {
	name := base
	for i := 0; taken[strings.ToLower(name)]; i++ {
		name = base + strconv.Itoa(i)
	}
	return clampName(name)
}

// categoryID derives a stable 12-character id from the title so repeated runs reuse the
// same category instead of duplicating it.
func categoryID(title string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(title)))
	return strings.ToUpper(hex.EncodeToString(sum[:6]))
}

func clampName(name string) string {
	runes := []rune(name)
	if len(runes) <= nameMax {
		return name
	}
	return string(runes[:nameMax])
}

// hexColour renders a source colour int as #rrggbb; zero means unset.
func hexColour(c int) *string {
	if c == 0 {
		return nil
	}
	s := fmt.Sprintf("#%06x", c)
	return &s
}
