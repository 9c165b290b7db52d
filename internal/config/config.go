package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config holds bridge configuration populated from environment variables.
type Config struct {
	// Platform credentials
	SourceToken string
	TargetToken string

	// SourcePrivilegedIntents additionally requests the guild-members and moderation intents,
	// used only for migration snapshots. Requires portal approval on the bot application.
	SourcePrivilegedIntents bool

	// Target platform endpoints
	TargetAPIBase string
	TargetWSURL   string
	TargetCDNURL  string

	// Storage
	DBPath string

	// Admin API
	APIPort int
	APIKey  string // empty disables the x-api-key requirement

	// Push notifications
	PushEnabled            bool
	FirebaseServiceAccount string // path to a service-account JSON file
	FirebaseSAJSON         string // inline service-account JSON; wins over the file
	VAPIDPublicKey         string
	VAPIDPrivateKey        string
	VAPIDSubscriber        string

	// Relay tuning
	PairRetentionDays    int
	RehostMaxTargetBytes int64
	RehostMaxSourceBytes int64
	JanitorInterval      time.Duration

	// Operational
	LogLevel    string
	Environment string // "development" or "production"
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if required values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		SourceToken: envStr("SOURCE_TOKEN", ""),
		TargetToken: envStr("TARGET_TOKEN", ""),

		SourcePrivilegedIntents: p.bool("SOURCE_PRIVILEGED_INTENTS", false),

		TargetAPIBase: envStr("TARGET_API_BASE", "https://api.stoat.chat/0.8"),
		TargetWSURL:   envStr("TARGET_WS_URL", "wss://events.stoat.chat"),
		TargetCDNURL:  envStr("TARGET_CDN_URL", "https://cdn.stoatusercontent.com"),

		DBPath: envStr("DB_PATH", "./bridge.db"),

		APIPort: p.int("API_PORT", 3210),
		APIKey:  envStr("API_KEY", ""),

		PushEnabled:            p.bool("PUSH_ENABLED", false),
		FirebaseServiceAccount: envStr("FIREBASE_SERVICE_ACCOUNT", ""),
		FirebaseSAJSON:         envStr("FIREBASE_SA_JSON", ""),
		VAPIDPublicKey:         envStr("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey:        envStr("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber:        envStr("VAPID_SUBSCRIBER", "mailto:admin@localhost"),

		PairRetentionDays:    p.int("PAIR_RETENTION_DAYS", 30),
		RehostMaxTargetBytes: p.int64("REHOST_MAX_TARGET_BYTES", 20*1024*1024),
		RehostMaxSourceBytes: p.int64("REHOST_MAX_SOURCE_BYTES", 25*1024*1024),
		JanitorInterval:      p.duration("JANITOR_INTERVAL", time.Hour),

		LogLevel:    envStr("LOG_LEVEL", "info"),
		Environment: envStr("BRIDGE_ENV", "production"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// FirebaseConfigured returns true when a service account is available for FCM sends.
func (c *Config) FirebaseConfigured() bool {
	return c.FirebaseSAJSON != "" || c.FirebaseServiceAccount != ""
}

// VAPIDConfigured returns true when both WebPush keys are set.
func (c *Config) VAPIDConfigured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.SourceToken == "" {
		errs = append(errs, fmt.Errorf("SOURCE_TOKEN is required"))
	}
	if c.TargetToken == "" {
		errs = append(errs, fmt.Errorf("TARGET_TOKEN is required"))
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT must be between 1 and 65535"))
	}

	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("DB_PATH must not be empty"))
	}

	if c.PairRetentionDays < 1 {
		errs = append(errs, fmt.Errorf("PAIR_RETENTION_DAYS must be at least 1"))
	}
	if c.RehostMaxTargetBytes < 1 {
		errs = append(errs, fmt.Errorf("REHOST_MAX_TARGET_BYTES must be at least 1"))
	}
	if c.RehostMaxSourceBytes < 1 {
		errs = append(errs, fmt.Errorf("REHOST_MAX_SOURCE_BYTES must be at least 1"))
	}
	if c.JanitorInterval < time.Minute {
		errs = append(errs, fmt.Errorf("JANITOR_INTERVAL must be at least 1m"))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid value for LOG_LEVEL: %q", c.LogLevel))
	}

	// One VAPID key without the other is always a misconfiguration.
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}

	if c.PushEnabled && !c.FirebaseConfigured() && !c.VAPIDConfigured() {
		errs = append(errs, fmt.Errorf("PUSH_ENABLED requires FIREBASE_SERVICE_ACCOUNT, FIREBASE_SA_JSON, or VAPID keys"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"24h\" or \"30m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
