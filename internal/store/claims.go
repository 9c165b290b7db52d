package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CodeAlphabet excludes characters easily confused when read aloud or retyped (O/0, I/1).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a claim code.
const CodeLength = 6

// CodeValidity is how long an unconsumed claim code stays usable.
const CodeValidity = time.Hour

// ClaimCode authorizes binding one source guild to the target server it was minted for. Codes are single-use and
// expire after CodeValidity.
type ClaimCode struct {
	Code           string
	TargetServerID string
	CreatedBy      string // target user who minted the code
	CreatedIn      string // target channel the code was minted from
	CreatedAt      time.Time
	UsedByGuild    *string
	UsedByUser     *string
	UsedAt         *time.Time
}

// GenerateCode produces a random claim code from the restricted alphabet.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	size := big.NewInt(int64(len(CodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

const claimColumns = "code, target_server_id, created_by, created_in, created_at, used_by_guild, used_by_user, used_at"

// CreateClaimCode mints a new code for the target server and stores it.
func (s *Store) CreateClaimCode(ctx context.Context, targetServerID, createdBy, createdIn string) (*ClaimCode, error) {
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}

	claim := &ClaimCode{
		Code:           code,
		TargetServerID: targetServerID,
		CreatedBy:      createdBy,
		CreatedIn:      createdIn,
		CreatedAt:      now(),
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO claim_codes (code, target_server_id, created_by, created_in, created_at) VALUES (?, ?, ?, ?, ?)",
		claim.Code, claim.TargetServerID, claim.CreatedBy, claim.CreatedIn, claim.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert claim code: %w", err)
	}
	return claim, nil
}

// ClaimCodeByValue returns the stored code row.
func (s *Store) ClaimCodeByValue(ctx context.Context, code string) (*ClaimCode, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM claim_codes WHERE code = ?", claimColumns), code,
	)
	claim, err := scanClaimCode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query claim code: %w", err)
	}
	return claim, nil
}

// ConsumeClaimCode atomically marks the code used by the given guild and user and returns the target server it
// unlocks. The conditional update makes concurrent consumers race safely: exactly one caller wins, every other caller
// gets ErrCodeUsed.
func (s *Store) ConsumeClaimCode(ctx context.Context, code, guildID, userID string) (*ClaimCode, error) {
	claim, err := s.ClaimCodeByValue(ctx, code)
	if err != nil {
		return nil, err
	}
	if time.Since(claim.CreatedAt) > CodeValidity {
		return nil, ErrCodeExpired
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE claim_codes SET used_by_guild = ?, used_by_user = ?, used_at = ? WHERE code = ? AND used_by_guild IS NULL",
		guildID, userID, now().Unix(), code,
	)
	if err != nil {
		return nil, fmt.Errorf("consume claim code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// The row existed a moment ago, so another caller consumed it between our read and write.
		return nil, ErrCodeUsed
	}

	return s.ClaimCodeByValue(ctx, code)
}

// DeleteExpiredClaimCodes removes unconsumed codes past their validity window and returns how many were removed.
func (s *Store) DeleteExpiredClaimCodes(ctx context.Context) (int64, error) {
	cutoff := now().Add(-CodeValidity)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM claim_codes WHERE used_by_guild IS NULL AND created_at < ?", cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired claim codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanClaimCode(row scanner) (*ClaimCode, error) {
	var (
		claim           ClaimCode
		byGuild, byUser sql.NullString
		usedAt          sql.NullInt64
		created         int64
	)
	err := row.Scan(
		&claim.Code, &claim.TargetServerID, &claim.CreatedBy, &claim.CreatedIn, &created,
		&byGuild, &byUser, &usedAt,
	)
	if err != nil {
		return nil, err
	}
	claim.CreatedAt = time.Unix(created, 0).UTC()
	claim.UsedByGuild = strPtr(byGuild)
	claim.UsedByUser = strPtr(byUser)
	claim.UsedAt = timePtr(usedAt)
	return &claim, nil
}
