package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Direction records which side a bridged message originated from.
type Direction string

const (
	SourceToTarget Direction = "source_to_target"
	TargetToSource Direction = "target_to_source"
)

// MessagePair links a source message to its bridged target counterpart. Both message id columns are unique, so a pair
// can be resolved from either side for edit, delete, and reply synchronization.
type MessagePair struct {
	ID              int64
	SourceMessageID string
	TargetMessageID string
	SourceChannelID string
	TargetChannelID string
	Direction       Direction
	CreatedAt       time.Time
}

const pairColumns = "id, source_message_id, target_message_id, source_channel_id, target_channel_id, direction, created_at"

// SaveMessagePair records a bridged pair. An existing row with the same source or target message id is replaced, so
// re-relaying after a partial failure converges instead of erroring.
func (s *Store) SaveMessagePair(ctx context.Context, pair MessagePair) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bridge_messages
		 (source_message_id, target_message_id, source_channel_id, target_channel_id, direction, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pair.SourceMessageID, pair.TargetMessageID, pair.SourceChannelID, pair.TargetChannelID,
		string(pair.Direction), now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save message pair: %w", err)
	}
	return nil
}

// PairBySourceID returns the pair whose source side matches the given message id.
func (s *Store) PairBySourceID(ctx context.Context, sourceMessageID string) (*MessagePair, error) {
	return s.pairBy(ctx, "source_message_id", sourceMessageID)
}

// PairByTargetID returns the pair whose target side matches the given message id.
func (s *Store) PairByTargetID(ctx context.Context, targetMessageID string) (*MessagePair, error) {
	return s.pairBy(ctx, "target_message_id", targetMessageID)
}

func (s *Store) pairBy(ctx context.Context, column, id string) (*MessagePair, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM bridge_messages WHERE %s = ?", pairColumns, column), id,
	)
	var (
		pair    MessagePair
		created int64
	)
	err := row.Scan(
		&pair.ID, &pair.SourceMessageID, &pair.TargetMessageID,
		&pair.SourceChannelID, &pair.TargetChannelID, &pair.Direction, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pair by %s: %w", column, err)
	}
	pair.CreatedAt = time.Unix(created, 0).UTC()
	return &pair, nil
}

// DeletePairBySourceID removes the pair for a source message id. Missing rows are not an error: delete sync may race
// the prune.
func (s *Store) DeletePairBySourceID(ctx context.Context, sourceMessageID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM bridge_messages WHERE source_message_id = ?", sourceMessageID); err != nil {
		return fmt.Errorf("delete pair by source: %w", err)
	}
	return nil
}

// DeletePairByTargetID removes the pair for a target message id.
func (s *Store) DeletePairByTargetID(ctx context.Context, targetMessageID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM bridge_messages WHERE target_message_id = ?", targetMessageID); err != nil {
		return fmt.Errorf("delete pair by target: %w", err)
	}
	return nil
}

// PruneMessagePairs deletes pairs created before the cutoff and returns how many were removed.
func (s *Store) PruneMessagePairs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bridge_messages WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune message pairs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// CountMessagePairs returns the number of stored pairs.
func (s *Store) CountMessagePairs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bridge_messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count message pairs: %w", err)
	}
	return n, nil
}
