package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func pendingRequest(id, guildID, serverID string, expires time.Time) MigrationRequest {
	return MigrationRequest{
		ID:              id,
		SourceGuildID:   guildID,
		SourceGuildName: "Test Guild",
		SourceUserID:    "user-1",
		SourceUserName:  "someone",
		TargetServerID:  serverID,
		TargetChannelID: "01HCHAN",
		Status:          RequestPending,
		CreatedAt:       now(),
		ExpiresAt:       expires,
	}
}

func TestMigrationRequestLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	req := pendingRequest("req-1", "g1", "01HSERVER", now().Add(time.Hour))
	if err := s.CreateMigrationRequest(ctx, req); err != nil {
		t.Fatalf("CreateMigrationRequest() returned error: %v", err)
	}

	got, err := s.MigrationRequestByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("MigrationRequestByID() returned error: %v", err)
	}
	if got.Status != RequestPending {
		t.Errorf("Status = %q, want %q", got.Status, RequestPending)
	}
	if got.TargetMessageID != nil {
		t.Errorf("TargetMessageID = %v, want nil before the prompt is posted", got.TargetMessageID)
	}

	if _, err := s.MigrationRequestByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MigrationRequestByID(unknown) = %v, want ErrNotFound", err)
	}

	// Prompt posted: resolve the request from its message id.
	if err := s.SetRequestMessage(ctx, "req-1", "01HMSG"); err != nil {
		t.Fatalf("SetRequestMessage() returned error: %v", err)
	}
	got, err = s.PendingRequestByMessage(ctx, "01HMSG")
	if err != nil {
		t.Fatalf("PendingRequestByMessage() returned error: %v", err)
	}
	if got.ID != "req-1" {
		t.Errorf("ID = %q, want req-1", got.ID)
	}

	admin := "01HADMIN"
	if err := s.ResolveRequest(ctx, "req-1", RequestApproved, &admin); err != nil {
		t.Fatalf("ResolveRequest() returned error: %v", err)
	}

	got, err = s.MigrationRequestByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("MigrationRequestByID() returned error: %v", err)
	}
	if got.Status != RequestApproved {
		t.Errorf("Status = %q, want %q", got.Status, RequestApproved)
	}
	if got.ApprovedBy == nil || *got.ApprovedBy != admin {
		t.Errorf("ApprovedBy = %v, want %q", got.ApprovedBy, admin)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt = nil after resolution")
	}

	// Resolution is single-shot.
	if err := s.ResolveRequest(ctx, "req-1", RequestRejected, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("second ResolveRequest() = %v, want ErrNotFound", err)
	}
	if _, err := s.PendingRequestByMessage(ctx, "01HMSG"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PendingRequestByMessage(resolved) = %v, want ErrNotFound", err)
	}
}

func TestCancelPendingRequests(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	expires := now().Add(time.Hour)
	for _, req := range []MigrationRequest{
		pendingRequest("req-1", "g1", "01HSERVERA", expires),
		pendingRequest("req-2", "g2", "01HSERVERA", expires),
		pendingRequest("req-3", "g3", "01HSERVERB", expires),
	} {
		if err := s.CreateMigrationRequest(ctx, req); err != nil {
			t.Fatalf("CreateMigrationRequest(%s) returned error: %v", req.ID, err)
		}
	}

	cancelled, err := s.CancelPendingRequests(ctx, "01HSERVERA")
	if err != nil {
		t.Fatalf("CancelPendingRequests() returned error: %v", err)
	}
	if cancelled != 2 {
		t.Errorf("CancelPendingRequests() = %d, want 2", cancelled)
	}

	got, err := s.MigrationRequestByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("MigrationRequestByID() returned error: %v", err)
	}
	if got.Status != RequestCancelled {
		t.Errorf("req-1 Status = %q, want %q", got.Status, RequestCancelled)
	}

	// The other server's request is untouched.
	got, err = s.MigrationRequestByID(ctx, "req-3")
	if err != nil {
		t.Fatalf("MigrationRequestByID() returned error: %v", err)
	}
	if got.Status != RequestPending {
		t.Errorf("req-3 Status = %q, want %q", got.Status, RequestPending)
	}
}

func TestExpireOverdueRequests(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	overdue := pendingRequest("req-1", "g1", "01HSERVER", now().Add(-time.Minute))
	fresh := pendingRequest("req-2", "g2", "01HSERVER", now().Add(time.Hour))
	for _, req := range []MigrationRequest{overdue, fresh} {
		if err := s.CreateMigrationRequest(ctx, req); err != nil {
			t.Fatalf("CreateMigrationRequest(%s) returned error: %v", req.ID, err)
		}
	}

	expired, err := s.ExpireOverdueRequests(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdueRequests() returned error: %v", err)
	}
	if expired != 1 {
		t.Errorf("ExpireOverdueRequests() = %d, want 1", expired)
	}

	got, err := s.MigrationRequestByID(ctx, "req-1")
	if err != nil {
		t.Fatalf("MigrationRequestByID() returned error: %v", err)
	}
	if got.Status != RequestExpired {
		t.Errorf("req-1 Status = %q, want %q", got.Status, RequestExpired)
	}
	if got.ResolvedAt == nil {
		t.Error("req-1 ResolvedAt = nil after expiry")
	}

	got, err = s.MigrationRequestByID(ctx, "req-2")
	if err != nil {
		t.Fatalf("MigrationRequestByID() returned error: %v", err)
	}
	if got.Status != RequestPending {
		t.Errorf("req-2 Status = %q, want %q", got.Status, RequestPending)
	}
}
