package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a live-approval migration request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

// MigrationRequest is the flight record for a live-approval flow: the bot posts a prompt message on the target server
// and waits for an admin reply before the link is created.
type MigrationRequest struct {
	ID              string // UUID
	SourceGuildID   string
	SourceGuildName string
	SourceUserID    string
	SourceUserName  string
	TargetServerID  string
	TargetChannelID string
	TargetMessageID *string // set once the prompt message is posted
	Status          RequestStatus
	ApprovedBy      *string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ExpiresAt       time.Time
}

const requestColumns = "id, source_guild_id, source_guild_name, source_user_id, source_user_name, " +
	"target_server_id, target_channel_id, target_message_id, status, approved_by, created_at, resolved_at, expires_at"

// CreateMigrationRequest inserts a pending request.
func (s *Store) CreateMigrationRequest(ctx context.Context, req MigrationRequest) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO migration_requests (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", requestColumns),
		req.ID, req.SourceGuildID, req.SourceGuildName, req.SourceUserID, req.SourceUserName,
		req.TargetServerID, req.TargetChannelID, nullStr(req.TargetMessageID), string(req.Status),
		nullStr(req.ApprovedBy), req.CreatedAt.Unix(), nullTime(req.ResolvedAt), req.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert migration request: %w", err)
	}
	return nil
}

// MigrationRequestByID returns the request with the given id.
func (s *Store) MigrationRequestByID(ctx context.Context, id string) (*MigrationRequest, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM migration_requests WHERE id = ?", requestColumns), id,
	)
	req, err := scanMigrationRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query migration request: %w", err)
	}
	return req, nil
}

// PendingRequestByMessage returns the pending request whose approval prompt is the given target message.
func (s *Store) PendingRequestByMessage(ctx context.Context, targetMessageID string) (*MigrationRequest, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM migration_requests WHERE target_message_id = ? AND status = ?", requestColumns),
		targetMessageID, string(RequestPending),
	)
	req, err := scanMigrationRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pending request by message: %w", err)
	}
	return req, nil
}

// SetRequestMessage records the posted approval prompt's message id.
func (s *Store) SetRequestMessage(ctx context.Context, id, targetMessageID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE migration_requests SET target_message_id = ? WHERE id = ?", targetMessageID, id,
	)
	if err != nil {
		return fmt.Errorf("set request message: %w", err)
	}
	return requireRow(res)
}

// ResolveRequest finalizes a pending request with the given status. approvedBy is recorded for approvals.
func (s *Store) ResolveRequest(ctx context.Context, id string, status RequestStatus, approvedBy *string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE migration_requests SET status = ?, approved_by = ?, resolved_at = ? WHERE id = ? AND status = ?",
		string(status), nullStr(approvedBy), now().Unix(), id, string(RequestPending),
	)
	if err != nil {
		return fmt.Errorf("resolve migration request: %w", err)
	}
	return requireRow(res)
}

// CancelPendingRequests cancels every pending request for the target server and returns how many were cancelled.
// A new live-approval attempt supersedes older ones.
func (s *Store) CancelPendingRequests(ctx context.Context, targetServerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE migration_requests SET status = ?, resolved_at = ? WHERE target_server_id = ? AND status = ?",
		string(RequestCancelled), now().Unix(), targetServerID, string(RequestPending),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ExpireOverdueRequests marks pending requests past their deadline as expired and returns how many changed.
func (s *Store) ExpireOverdueRequests(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE migration_requests SET status = ?, resolved_at = ? WHERE status = ? AND expires_at < ?",
		string(RequestExpired), now().Unix(), string(RequestPending), now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire overdue requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanMigrationRequest(row scanner) (*MigrationRequest, error) {
	var (
		req               MigrationRequest
		msgID, approvedBy sql.NullString
		resolvedAt        sql.NullInt64
		created, expires  int64
	)
	err := row.Scan(
		&req.ID, &req.SourceGuildID, &req.SourceGuildName, &req.SourceUserID, &req.SourceUserName,
		&req.TargetServerID, &req.TargetChannelID, &msgID, &req.Status, &approvedBy,
		&created, &resolvedAt, &expires,
	)
	if err != nil {
		return nil, err
	}
	req.TargetMessageID = strPtr(msgID)
	req.ApprovedBy = strPtr(approvedBy)
	req.CreatedAt = time.Unix(created, 0).UTC()
	req.ResolvedAt = timePtr(resolvedAt)
	req.ExpiresAt = time.Unix(expires, 0).UTC()
	return &req, nil
}
