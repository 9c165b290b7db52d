package push

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/store"
)

const (
	fcmSendURL = "https://fcm.googleapis.com/v1/projects/%s/messages:send"
	fcmScope   = "https://www.googleapis.com/auth/firebase.messaging"
	fcmGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// bearerSkew refreshes the OAuth token well before Google's expiry.
	bearerSkew   = 600 * time.Second
	assertionTTL = time.Hour

	fcmTimeout = 30 * time.Second
)

// ServiceAccount is the subset of a Firebase service-account JSON the sender needs.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

// LoadServiceAccount parses service-account JSON from the inline value or, when that is
// empty, from the file at path. Inline wins so deployments can avoid mounting files.
func LoadServiceAccount(inline, path string) (*ServiceAccount, error) {
	raw := []byte(inline)
	if inline == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		raw = data
	}

	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	if sa.ProjectID == "" || sa.PrivateKey == "" || sa.ClientEmail == "" {
		return nil, errors.New("service account is missing project_id, private_key, or client_email")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = "https://oauth2.googleapis.com/token"
	}
	return &sa, nil
}

// FCMSender delivers payloads through Firebase Cloud Messaging. The OAuth bearer
// obtained from the service-account exchange is shared across sends and refreshed
// before it expires.
type FCMSender struct {
	account  *ServiceAccount
	key      *rsa.PrivateKey
	endpoint string
	client   *http.Client
	log      zerolog.Logger

	mu        sync.Mutex
	bearer    string
	bearerExp time.Time
}

func NewFCMSender(account *ServiceAccount, logger zerolog.Logger) (*FCMSender, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return &FCMSender{
		account:  account,
		key:      key,
		endpoint: fmt.Sprintf(fcmSendURL, account.ProjectID),
		client:   &http.Client{Timeout: fcmTimeout},
		log:      logger.With().Str("component", "push").Logger(),
	}, nil
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data"`
	Android fcmAndroid        `json:"android"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

// Send posts one data message to the device's FCM token. A stale bearer (401) is
// refreshed once and the send retried; 404 and UNREGISTERED evict the device.
func (f *FCMSender) Send(ctx context.Context, dev store.PushDevice, payload []byte) error {
	if dev.FCMToken == nil || *dev.FCMToken == "" {
		return ErrDeviceGone
	}

	body, err := json.Marshal(fcmRequest{
		Message: fcmMessage{
			Token:   *dev.FCMToken,
			Data:    map[string]string{"payload": string(payload)},
			Android: fcmAndroid{Priority: "high"},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal fcm request: %w", err)
	}

	status, detail, err := f.post(ctx, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		f.invalidate()
		status, detail, err = f.post(ctx, body)
		if err != nil {
			return err
		}
	}

	switch {
	case status == http.StatusNotFound, bytes.Contains(detail, []byte("UNREGISTERED")):
		return ErrDeviceGone
	case status >= 400:
		return fmt.Errorf("fcm returned status %d: %s", status, detail)
	}
	return nil
}

func (f *FCMSender) post(ctx context.Context, body []byte) (int, []byte, error) {
	bearer, err := f.token(ctx)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fcm request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, detail, nil
}

// token returns a cached bearer or exchanges a fresh RS256 assertion for one.
func (f *FCMSender) token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bearer != "" && time.Now().Before(f.bearerExp) {
		return f.bearer, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.account.ClientEmail,
		"scope": fcmScope,
		"aud":   f.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	if err != nil {
		return "", fmt.Errorf("sign token assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {fcmGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, detail)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}

	f.bearer = out.AccessToken
	f.bearerExp = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - bearerSkew)
	f.log.Debug().Time("expires", f.bearerExp).Msg("FCM bearer refreshed")
	return f.bearer, nil
}

func (f *FCMSender) invalidate() {
	f.mu.Lock()
	f.bearer = ""
	f.mu.Unlock()
}
