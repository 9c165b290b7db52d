package store

import (
	"context"
	"errors"
	"testing"
)

func strp(s string) *string { return &s }

func TestUpsertPushDeviceReRegistration(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	dev := PushDevice{
		TargetUserID: "01HUSERAAAAAAAAAAAAAAAAAA1",
		DeviceID:     "android-1",
		Transport:    TransportFCM,
		FCMToken:     strp("tok-old"),
	}
	if err := s.UpsertPushDevice(ctx, dev); err != nil {
		t.Fatalf("UpsertPushDevice() returned error: %v", err)
	}

	// Same device re-registers under a different account with a fresh token.
	dev.TargetUserID = "01HUSERBBBBBBBBBBBBBBBBBB2"
	dev.FCMToken = strp("tok-new")
	if err := s.UpsertPushDevice(ctx, dev); err != nil {
		t.Fatalf("UpsertPushDevice(again) returned error: %v", err)
	}

	old, err := s.DevicesForUser(ctx, "01HUSERAAAAAAAAAAAAAAAAAA1")
	if err != nil {
		t.Fatalf("DevicesForUser() returned error: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("old user still has %d devices, want 0", len(old))
	}

	cur, err := s.DevicesForUser(ctx, "01HUSERBBBBBBBBBBBBBBBBBB2")
	if err != nil {
		t.Fatalf("DevicesForUser() returned error: %v", err)
	}
	if len(cur) != 1 {
		t.Fatalf("new user has %d devices, want 1", len(cur))
	}
	if cur[0].FCMToken == nil || *cur[0].FCMToken != "tok-new" {
		t.Errorf("FCMToken = %v, want tok-new", cur[0].FCMToken)
	}
}

func TestPushDeviceEncrypted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	keyed := PushDevice{
		TargetUserID: "u1",
		DeviceID:     "browser-1",
		Transport:    TransportWebPush,
		Endpoint:     strp("https://push.example/send/abc"),
		P256dh:       strp("BPubKey"),
		Auth:         strp("authsecret"),
	}
	bare := PushDevice{
		TargetUserID: "u1",
		DeviceID:     "up-1",
		Transport:    TransportWebPush,
		Endpoint:     strp("https://ntfy.example/up/xyz"),
	}
	for _, d := range []PushDevice{keyed, bare} {
		if err := s.UpsertPushDevice(ctx, d); err != nil {
			t.Fatalf("UpsertPushDevice(%s) returned error: %v", d.DeviceID, err)
		}
	}

	got, err := s.PushDeviceByID(ctx, "browser-1")
	if err != nil {
		t.Fatalf("PushDeviceByID() returned error: %v", err)
	}
	if !got.Encrypted() {
		t.Error("Encrypted() = false for a device with p256dh and auth keys")
	}

	got, err = s.PushDeviceByID(ctx, "up-1")
	if err != nil {
		t.Fatalf("PushDeviceByID() returned error: %v", err)
	}
	if got.Encrypted() {
		t.Error("Encrypted() = true for a keyless endpoint")
	}
}

func TestDeletePushDevice(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPushDevice(ctx, PushDevice{
		TargetUserID: "u1", DeviceID: "gone-soon", Transport: TransportFCM, FCMToken: strp("tok"),
	}); err != nil {
		t.Fatalf("UpsertPushDevice() returned error: %v", err)
	}

	if err := s.DeletePushDevice(ctx, "gone-soon"); err != nil {
		t.Fatalf("DeletePushDevice() returned error: %v", err)
	}
	if _, err := s.PushDeviceByID(ctx, "gone-soon"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PushDeviceByID(deleted) = %v, want ErrNotFound", err)
	}
	if err := s.DeletePushDevice(ctx, "gone-soon"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePushDevice(missing) = %v, want ErrNotFound", err)
	}
}
