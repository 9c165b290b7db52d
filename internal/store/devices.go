package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transport selects how a push device is reached.
type Transport string

const (
	TransportFCM     Transport = "fcm"
	TransportWebPush Transport = "webpush"
)

// PushDevice is one registered notification endpoint for a target-platform user. WebPush devices without p256dh/auth
// keys are plain-POST endpoints (UnifiedPush style); with keys, payloads are encrypted per RFC 8291.
type PushDevice struct {
	ID           int64
	TargetUserID string
	DeviceID     string
	Transport    Transport
	FCMToken     *string
	Endpoint     *string
	P256dh       *string
	Auth         *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Encrypted reports whether WebPush sends to this device must be RFC 8291 encrypted.
func (d *PushDevice) Encrypted() bool {
	return d.P256dh != nil && d.Auth != nil
}

const deviceColumns = "id, target_user_id, device_id, transport, fcm_token, endpoint, p256dh, auth, created_at, updated_at"

// UpsertPushDevice registers a device, replacing any prior registration with the same device id. Re-registration
// refreshes tokens and may move the device to a different user.
func (s *Store) UpsertPushDevice(ctx context.Context, dev PushDevice) error {
	ts := now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_devices (target_user_id, device_id, transport, fcm_token, endpoint, p256dh, auth, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   target_user_id = excluded.target_user_id,
		   transport = excluded.transport,
		   fcm_token = excluded.fcm_token,
		   endpoint = excluded.endpoint,
		   p256dh = excluded.p256dh,
		   auth = excluded.auth,
		   updated_at = excluded.updated_at`,
		dev.TargetUserID, dev.DeviceID, string(dev.Transport), nullStr(dev.FCMToken),
		nullStr(dev.Endpoint), nullStr(dev.P256dh), nullStr(dev.Auth), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert push device: %w", err)
	}
	return nil
}

// DevicesForUser returns every device registered for the target user.
func (s *Store) DevicesForUser(ctx context.Context, targetUserID string) ([]PushDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM push_devices WHERE target_user_id = ? ORDER BY id", deviceColumns),
		targetUserID,
	)
	if err != nil {
		return nil, fmt.Errorf("query push devices: %w", err)
	}
	defer rows.Close()

	var devices []PushDevice
	for rows.Next() {
		d, err := scanPushDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan push device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push devices: %w", err)
	}
	return devices, nil
}

// PushDeviceByID returns the device with the given device id.
func (s *Store) PushDeviceByID(ctx context.Context, deviceID string) (*PushDevice, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM push_devices WHERE device_id = ?", deviceColumns), deviceID,
	)
	d, err := scanPushDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query push device: %w", err)
	}
	return d, nil
}

// DeletePushDevice removes a registration. Used both for explicit unregistration and for evicting devices the
// transport reported as gone.
func (s *Store) DeletePushDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM push_devices WHERE device_id = ?", deviceID)
	if err != nil {
		return fmt.Errorf("delete push device: %w", err)
	}
	return requireRow(res)
}

func scanPushDevice(row scanner) (*PushDevice, error) {
	var (
		d                PushDevice
		token, endpoint  sql.NullString
		p256dh, auth     sql.NullString
		created, updated int64
	)
	err := row.Scan(
		&d.ID, &d.TargetUserID, &d.DeviceID, &d.Transport, &token, &endpoint, &p256dh, &auth,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	d.FCMToken = strPtr(token)
	d.Endpoint = strPtr(endpoint)
	d.P256dh = strPtr(p256dh)
	d.Auth = strPtr(auth)
	d.CreatedAt = time.Unix(created, 0).UTC()
	d.UpdatedAt = time.Unix(updated, 0).UTC()
	return &d, nil
}
