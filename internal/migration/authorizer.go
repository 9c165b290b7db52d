package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

const (
	// approvalTTL is how long a live-approval prompt stays answerable.
	approvalTTL = 300 * time.Second

	verdictTimeout = 30 * time.Second
)

var (
	// ErrClaimMismatch means the consumed claim code belongs to a different server than
	// the one named in the request.
	ErrClaimMismatch = errors.New("claim code does not match target server")

	// ErrLinkMismatch means the guild is already linked to a different target server.
	ErrLinkMismatch = errors.New("guild already linked to a different server")

	// ErrNoApprovalChannel means the target server has no channel the prompt can go to.
	ErrNoApprovalChannel = errors.New("no channel available for the approval prompt")
)

// TargetAuthAPI is the slice of the target client the authorizer uses.
type TargetAuthAPI interface {
	CreateServer(ctx context.Context, req stoat.CreateServerRequest) (*stoat.CreateServerResponse, error)
	FetchServer(ctx context.Context, serverID string) (*stoat.Server, error)
	FetchChannel(ctx context.Context, channelID string) (*stoat.Channel, error)
	FetchMember(ctx context.Context, serverID, userID string) (*stoat.Member, error)
	SendMessage(ctx context.Context, channelID string, req stoat.SendMessage) (*stoat.Message, error)
}

// LinkRequest identifies the guild asking for a link and carries the optional credentials
// that select the authorization path.
type LinkRequest struct {
	SourceGuildID   string
	SourceGuildName string
	SourceUserID    string
	SourceUserName  string
	ClaimCode       string
	TargetServerID  string
}

// Authorizer establishes server links. Which of the three paths runs depends on the
// request: no credentials creates a fresh server, a claim code consumes it, and a bare
// target server id asks that server's admins for live approval.
type Authorizer struct {
	db        *store.Store
	target    TargetAuthAPI
	approvals *Approvals
	log       zerolog.Logger
}

func NewAuthorizer(db *store.Store, target TargetAuthAPI, approvals *Approvals, logger zerolog.Logger) *Authorizer {
	return &Authorizer{
		db:        db,
		target:    target,
		approvals: approvals,
		log:       logger.With().Str("component", "migration").Logger(),
	}
}

// Authorize resolves the server link for the guild, creating it when the request's path
// succeeds. A guild that is already linked gets its existing link back, unless the request
// names a contradicting target server.
func (a *Authorizer) Authorize(ctx context.Context, req LinkRequest) (*store.ServerLink, error) {
	existing, err := a.db.ServerLinkByGuild(ctx, req.SourceGuildID)
	if err == nil {
		if req.TargetServerID != "" && req.TargetServerID != existing.TargetServerID {
			return nil, ErrLinkMismatch
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up server link: %w", err)
	}

	switch {
	case req.ClaimCode != "":
		return a.claimCode(ctx, req)
	case req.TargetServerID != "":
		return a.liveApproval(ctx, req)
	default:
		return a.newServer(ctx, req)
	}
}

// newServer creates a fresh target server named after the guild and links it.
func (a *Authorizer) newServer(ctx context.Context, req LinkRequest) (*store.ServerLink, error) {
	created, err := a.target.CreateServer(ctx, stoat.CreateServerRequest{Name: req.SourceGuildName})
	if err != nil {
		return nil, fmt.Errorf("create target server: %w", err)
	}
	a.log.Info().
		Str("guild", req.SourceGuildID).
		Str("server", created.Server.ID).
		Msg("Created target server for migration")

	return a.saveLink(ctx, store.ServerLink{
		SourceGuildID:  req.SourceGuildID,
		TargetServerID: created.Server.ID,
		LinkedBy:       req.SourceUserID,
		Method:         store.AuthNewServer,
	})
}

// claimCode consumes the code atomically and links to the server it was minted for.
func (a *Authorizer) claimCode(ctx context.Context, req LinkRequest) (*store.ServerLink, error) {
	code := strings.ToUpper(strings.TrimSpace(req.ClaimCode))
	claim, err := a.db.ConsumeClaimCode(ctx, code, req.SourceGuildID, req.SourceUserID)
	if err != nil {
		return nil, err
	}
	if req.TargetServerID != "" && req.TargetServerID != claim.TargetServerID {
		return nil, ErrClaimMismatch
	}
	if _, err := a.target.FetchServer(ctx, claim.TargetServerID); err != nil {
		return nil, fmt.Errorf("verify target server access: %w", err)
	}
	if err := a.ensureUnlinked(ctx, claim.TargetServerID); err != nil {
		return nil, err
	}

	return a.saveLink(ctx, store.ServerLink{
		SourceGuildID:      req.SourceGuildID,
		TargetServerID:     claim.TargetServerID,
		LinkedBy:           req.SourceUserID,
		LinkedByTargetUser: &claim.CreatedBy,
		Method:             store.AuthClaimCode,
	})
}

// liveApproval posts a prompt on the target server and blocks until an admin answers it,
// the prompt expires, or the context ends.
func (a *Authorizer) liveApproval(ctx context.Context, req LinkRequest) (*store.ServerLink, error) {
	server, err := a.target.FetchServer(ctx, req.TargetServerID)
	if err != nil {
		return nil, fmt.Errorf("verify target server access: %w", err)
	}
	if err := a.ensureUnlinked(ctx, req.TargetServerID); err != nil {
		return nil, err
	}
	if _, err := a.db.CancelPendingRequests(ctx, req.TargetServerID); err != nil {
		return nil, fmt.Errorf("cancel prior requests: %w", err)
	}

	channelID, err := a.approvalChannel(ctx, server)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	now := time.Now().UTC()
	row := store.MigrationRequest{
		ID:              requestID,
		SourceGuildID:   req.SourceGuildID,
		SourceGuildName: req.SourceGuildName,
		SourceUserID:    req.SourceUserID,
		SourceUserName:  req.SourceUserName,
		TargetServerID:  req.TargetServerID,
		TargetChannelID: channelID,
		Status:          store.RequestPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(approvalTTL),
	}
	if err := a.db.CreateMigrationRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("record migration request: %w", err)
	}
	if err := a.approvals.Register(requestID); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"**Migration request**\n%s wants to link the Discord server **%s** to this server and bridge messages both ways.\n\n"+
			"Reply to this message with `approve` or `deny`. The request expires in 5 minutes.",
		req.SourceUserName, req.SourceGuildName,
	)
	msg, err := a.target.SendMessage(ctx, channelID, stoat.SendMessage{Content: prompt})
	if err != nil {
		a.approvals.Discard(requestID)
		if rerr := a.db.ResolveRequest(ctx, requestID, store.RequestCancelled, nil); rerr != nil {
			a.log.Error().Err(rerr).Str("request", requestID).Msg("Mark request cancelled failed")
		}
		return nil, fmt.Errorf("post approval prompt: %w", err)
	}
	if err := a.db.SetRequestMessage(ctx, requestID, msg.ID); err != nil {
		a.log.Error().Err(err).Str("request", requestID).Msg("Record prompt message failed")
	}
	a.log.Info().Str("request", requestID).Str("server", req.TargetServerID).Msg("Awaiting live approval")

	approver, err := a.approvals.Await(ctx, requestID, approvalTTL)
	if err != nil {
		a.finishExpired(requestID, channelID, err)
		return nil, err
	}

	link, err := a.saveLink(ctx, store.ServerLink{
		SourceGuildID:      req.SourceGuildID,
		TargetServerID:     req.TargetServerID,
		LinkedBy:           req.SourceUserID,
		LinkedByTargetUser: &approver,
		Method:             store.AuthLiveApproval,
	})
	if err != nil {
		return nil, err
	}
	a.notify(channelID, "Migration approved. Linking servers and starting the bridge.")
	return link, nil
}

// finishExpired settles the request row for wait outcomes the reply handler never saw.
func (a *Authorizer) finishExpired(requestID, channelID string, waitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), verdictTimeout)
	defer cancel()

	switch {
	case errors.Is(waitErr, ErrApprovalTimeout):
		if err := a.db.ResolveRequest(ctx, requestID, store.RequestExpired, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			a.log.Error().Err(err).Str("request", requestID).Msg("Mark request expired failed")
		}
		a.notify(channelID, "The migration request expired without an answer.")
	case errors.Is(waitErr, ErrApprovalDenied):
		// The reply handler already resolved the row.
	default:
		if err := a.db.ResolveRequest(ctx, requestID, store.RequestCancelled, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			a.log.Error().Err(err).Str("request", requestID).Msg("Mark request cancelled failed")
		}
	}
}

// approvalChannel picks where the prompt goes: the server's join-notice channel when set,
// otherwise the first text channel.
func (a *Authorizer) approvalChannel(ctx context.Context, server *stoat.Server) (string, error) {
	if server.SystemMessages != nil && server.SystemMessages.UserJoined != nil && *server.SystemMessages.UserJoined != "" {
		return *server.SystemMessages.UserJoined, nil
	}
	for _, id := range server.Channels {
		ch, err := a.target.FetchChannel(ctx, id)
		if err != nil {
			continue
		}
		if ch.ChannelType == stoat.ChannelText {
			return ch.ID, nil
		}
	}
	return "", ErrNoApprovalChannel
}

// HandleTargetMessage watches gateway traffic for replies answering a pending prompt.
// Fast rejects run inline; the store and REST work runs off the dispatch goroutine.
func (a *Authorizer) HandleTargetMessage(m *stoat.Message) {
	if len(m.Replies) == 0 || m.IsSystem() || m.Masquerade != nil {
		return
	}
	verdict, ok := parseVerdict(m.Content)
	if !ok {
		return
	}
	go a.applyVerdict(m, verdict)
}

func (a *Authorizer) applyVerdict(m *stoat.Message, approved bool) {
	ctx, cancel := context.WithTimeout(context.Background(), verdictTimeout)
	defer cancel()

	var row *store.MigrationRequest
	for _, replyID := range m.Replies {
		r, err := a.db.PendingRequestByMessage(ctx, replyID)
		if err == nil {
			row = r
			break
		}
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Error().Err(err).Str("message", replyID).Msg("Pending request lookup failed")
		}
	}
	if row == nil {
		return
	}

	admin, err := a.isAdmin(ctx, row.TargetServerID, m.Author)
	if err != nil {
		a.log.Error().Err(err).Str("request", row.ID).Msg("Approval admin check failed")
		return
	}
	if !admin {
		a.notify(row.TargetChannelID, "Only the server owner or a role with Manage Server can answer this request.")
		return
	}

	status := store.RequestRejected
	var approvedBy *string
	if approved {
		status = store.RequestApproved
		approvedBy = &m.Author
	}
	if err := a.db.ResolveRequest(ctx, row.ID, status, approvedBy); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Error().Err(err).Str("request", row.ID).Msg("Resolve request failed")
		}
		return
	}
	a.approvals.Resolve(row.ID, approved, m.Author)

	if !approved {
		a.notify(row.TargetChannelID, "Migration request denied.")
	}
	a.log.Info().Str("request", row.ID).Bool("approved", approved).Str("by", m.Author).Msg("Migration request resolved")
}

// isAdmin reports whether the user owns the server or holds a role with the manage-server bit.
func (a *Authorizer) isAdmin(ctx context.Context, serverID, userID string) (bool, error) {
	server, err := a.target.FetchServer(ctx, serverID)
	if err != nil {
		return false, fmt.Errorf("fetch server: %w", err)
	}
	if server.Owner == userID {
		return true, nil
	}
	member, err := a.target.FetchMember(ctx, serverID, userID)
	if err != nil {
		if errors.Is(err, stoat.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch member: %w", err)
	}
	for _, roleID := range member.Roles {
		if role, ok := server.Roles[roleID]; ok && role.Permissions.Allow&stoat.PermManageServer != 0 {
			return true, nil
		}
	}
	return false, nil
}

// ensureUnlinked rejects target servers that already belong to another guild.
func (a *Authorizer) ensureUnlinked(ctx context.Context, targetServerID string) error {
	_, err := a.db.ServerLinkByTarget(ctx, targetServerID)
	if err == nil {
		return store.ErrServerAlreadyLinked
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up server link: %w", err)
	}
	return nil
}

func (a *Authorizer) saveLink(ctx context.Context, link store.ServerLink) (*store.ServerLink, error) {
	if err := a.db.CreateServerLink(ctx, link); err != nil {
		return nil, err
	}
	saved, err := a.db.ServerLinkByGuild(ctx, link.SourceGuildID)
	if err != nil {
		return nil, fmt.Errorf("reload server link: %w", err)
	}
	return saved, nil
}

// notify posts a best-effort status message on the target channel.
func (a *Authorizer) notify(channelID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), verdictTimeout)
	defer cancel()
	if _, err := a.target.SendMessage(ctx, channelID, stoat.SendMessage{Content: content}); err != nil {
		a.log.Warn().Err(err).Str("channel", channelID).Msg("Post status message failed")
	}
}

// parseVerdict reads the first word of a reply as an approve or deny answer.
func parseVerdict(content string) (approved, ok bool) {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) == 0 {
		return false, false
	}
	switch fields[0] {
	case "approve", "yes", "confirm":
		return true, true
	case "deny", "reject", "no":
		return false, true
	default:
		return false, false
	}
}
