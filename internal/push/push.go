// Package push fans target-platform mentions and direct messages out to
// registered mobile devices over FCM and WebPush.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// ErrDeviceGone is returned by a Sender when the transport reports the device
// is no longer registered. The service evicts such devices.
var ErrDeviceGone = errors.New("push device is no longer registered")

const (
	// fanOutTimeout bounds one notification fan-out, all device sends included.
	fanOutTimeout = 30 * time.Second

	channelCacheTTL = 10 * time.Minute
	userCacheTTL    = 5 * time.Minute

	// defaultIcon is shown when the message author has no avatar.
	defaultIcon = "https://app.stoat.chat/assets/icons/android-chrome-512x512.png"
)

// mentionPattern extracts mentioned user ids from message content.
var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]{26})>`)

// Sender delivers one payload to one device over a single transport.
type Sender interface {
	Send(ctx context.Context, dev store.PushDevice, payload []byte) error
}

// TargetDirectory is the slice of the target client used to resolve channels and users.
type TargetDirectory interface {
	FetchChannel(ctx context.Context, channelID string) (*stoat.Channel, error)
	FetchUser(ctx context.Context, userID string) (*stoat.User, error)
	AvatarURL(u *stoat.User) string
}

// Config carries the service's transports. A nil transport drops that device kind.
type Config struct {
	FCM     Sender
	WebPush Sender
	// TargetBotID reports the bridge's own target-side account id once known.
	TargetBotID func() string
}

// Service decides who a target message should notify and dispatches to their
// devices. It attaches to the gateway's message handler.
type Service struct {
	db      *store.Store
	target  TargetDirectory
	fcm     Sender
	webpush Sender
	log     zerolog.Logger

	botID func() string

	channels *ttlCache[*stoat.Channel]
	users    *ttlCache[*stoat.User]
}

func NewService(db *store.Store, target TargetDirectory, cfg Config, logger zerolog.Logger) *Service {
	if cfg.TargetBotID == nil {
		cfg.TargetBotID = func() string { return "" }
	}
	return &Service{
		db:       db,
		target:   target,
		fcm:      cfg.FCM,
		webpush:  cfg.WebPush,
		log:      logger.With().Str("component", "push").Logger(),
		botID:    cfg.TargetBotID,
		channels: newTTLCache[*stoat.Channel](channelCacheTTL),
		users:    newTTLCache[*stoat.User](userCacheTTL),
	}
}

// HandleTargetMessage fans a gateway message out to devices. Ordering does not
// matter for notifications, so each message gets its own goroutine.
func (s *Service) HandleTargetMessage(m *stoat.Message) {
	if !s.notifiable(m) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
		defer cancel()
		s.fanOut(ctx, m)
	}()
}

// notifiable filters out traffic that must never notify: the bridge's own
// sends, masqueraded relays, and system notices.
func (s *Service) notifiable(m *stoat.Message) bool {
	if m.IsSystem() || m.Masquerade != nil {
		return false
	}
	if id := s.botID(); id != "" && m.Author == id {
		return false
	}
	return true
}

func (s *Service) fanOut(ctx context.Context, m *stoat.Message) {
	targets := s.recipients(ctx, m)
	delete(targets, m.Author)
	if len(targets) == 0 {
		return
	}

	author, err := s.user(ctx, m.Author)
	if err != nil {
		s.log.Warn().Err(err).Str("user", m.Author).Msg("Author lookup failed, dropping notification")
		return
	}
	payload, err := s.buildPayload(m, author)
	if err != nil {
		s.log.Error().Err(err).Str("message", m.ID).Msg("Payload build failed")
		return
	}

	for userID := range targets {
		devices, err := s.db.DevicesForUser(ctx, userID)
		if err != nil {
			s.log.Error().Err(err).Str("user", userID).Msg("Device lookup failed")
			continue
		}
		for _, dev := range devices {
			s.deliver(ctx, dev, payload)
		}
	}
}

// recipients collects the user ids a message should notify: everyone mentioned
// in the content, plus all members of a direct or group channel.
func (s *Service) recipients(ctx context.Context, m *stoat.Message) map[string]struct{} {
	targets := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(m.Content, -1) {
		targets[match[1]] = struct{}{}
	}

	ch, err := s.channel(ctx, m.Channel)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", m.Channel).Msg("Channel lookup failed")
		return targets
	}
	if ch.IsDirect() {
		for _, id := range ch.Recipients {
			targets[id] = struct{}{}
		}
		// 1-on-1 DMs carry the partner in a separate field.
		if ch.User != "" {
			targets[ch.User] = struct{}{}
		}
	}
	return targets
}

func (s *Service) deliver(ctx context.Context, dev store.PushDevice, payload []byte) {
	var sender Sender
	switch dev.Transport {
	case store.TransportFCM:
		sender = s.fcm
	case store.TransportWebPush:
		sender = s.webpush
	}
	if sender == nil {
		return
	}

	err := sender.Send(ctx, dev, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrDeviceGone):
		s.log.Info().Str("device", dev.DeviceID).Str("transport", string(dev.Transport)).Msg("Evicting dead push device")
		if err := s.db.DeletePushDevice(ctx, dev.DeviceID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Error().Err(err).Str("device", dev.DeviceID).Msg("Device eviction failed")
		}
	default:
		s.log.Warn().Err(err).Str("device", dev.DeviceID).Str("transport", string(dev.Transport)).Msg("Push send failed")
	}
}

// notification is the payload every transport carries, matching what the
// mobile clients unpack.
type notification struct {
	Icon    string              `json:"icon"`
	Message notificationMessage `json:"message"`
}

type notificationMessage struct {
	ID          string           `json:"_id"`
	Channel     string           `json:"channel"`
	Author      string           `json:"author"`
	Content     string           `json:"content"`
	Attachments []stoat.File     `json:"attachments,omitempty"`
	User        notificationUser `json:"user"`
}

type notificationUser struct {
	ID            string `json:"_id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	DisplayName   string `json:"display_name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	Bot           bool   `json:"bot"`
}

func (s *Service) buildPayload(m *stoat.Message, author *stoat.User) ([]byte, error) {
	icon := s.target.AvatarURL(author)
	if icon == "" {
		icon = defaultIcon
	}
	user := notificationUser{
		ID:            author.ID,
		Username:      author.Username,
		Discriminator: author.Discriminator,
		Avatar:        s.target.AvatarURL(author),
		Bot:           author.Bot != nil,
	}
	if author.DisplayName != nil {
		user.DisplayName = *author.DisplayName
	}
	return json.Marshal(notification{
		Icon: icon,
		Message: notificationMessage{
			ID:          m.ID,
			Channel:     m.Channel,
			Author:      m.Author,
			Content:     m.Content,
			Attachments: m.Attachments,
			User:        user,
		},
	})
}

func (s *Service) channel(ctx context.Context, channelID string) (*stoat.Channel, error) {
	if ch, ok := s.channels.Get(channelID); ok {
		return ch, nil
	}
	ch, err := s.target.FetchChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	s.channels.Set(channelID, ch)
	return ch, nil
}

func (s *Service) user(ctx context.Context, userID string) (*stoat.User, error) {
	if u, ok := s.users.Get(userID); ok {
		return u, nil
	}
	u, err := s.target.FetchUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.users.Set(userID, u)
	return u, nil
}
