package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/store"
)

const (
	webpushTTL     = 3600
	webpushTimeout = 30 * time.Second
)

// WebPushSender delivers payloads to browser-style push endpoints. Devices that
// registered p256dh/auth keys get RFC 8291 encrypted pushes with VAPID headers;
// keyless endpoints (UnifiedPush, ntfy) get the JSON posted in the clear.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	client     *http.Client
	log        zerolog.Logger
}

func NewWebPushSender(publicKey, privateKey, subscriber string, logger zerolog.Logger) *WebPushSender {
	return &WebPushSender{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		client:     &http.Client{Timeout: webpushTimeout},
		log:        logger.With().Str("component", "push").Logger(),
	}
}

func (w *WebPushSender) Send(ctx context.Context, dev store.PushDevice, payload []byte) error {
	if dev.Endpoint == nil || *dev.Endpoint == "" {
		return ErrDeviceGone
	}
	if dev.Encrypted() {
		return w.sendEncrypted(ctx, dev, payload)
	}
	return w.sendPlain(ctx, *dev.Endpoint, payload)
}

func (w *WebPushSender) sendEncrypted(ctx context.Context, dev store.PushDevice, payload []byte) error {
	if w.publicKey == "" || w.privateKey == "" {
		return errors.New("webpush keys not configured")
	}

	sub := &webpush.Subscription{
		Endpoint: *dev.Endpoint,
		Keys: webpush.Keys{
			P256dh: *dev.P256dh,
			Auth:   *dev.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		TTL:             webpushTTL,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
	})
	if err != nil {
		return fmt.Errorf("webpush send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return w.status(resp)
}

func (w *WebPushSender) sendPlain(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return w.status(resp)
}

// status maps endpoint responses onto the eviction contract: 404 and 410 mean the
// subscription is gone for good.
func (w *WebPushSender) status(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrDeviceGone
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push endpoint returned status %d: %s", resp.StatusCode, detail)
	}
	return nil
}
