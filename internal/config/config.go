package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerEnv  string // "development" or "production"
	ServerPort int
	ServerURL  string // scheme://host[:port], used for magic links and the WebAuthn origin
	Domain     string // WebAuthn RP-ID

	// AndroidOrigins are the android:apk-key-hash origins accepted during WebAuthn ceremonies for the native app.
	AndroidOrigins []string

	// Storage
	DBPath    string
	ValkeyURL string

	// Secrets & admins
	ServerSecret string // Required. Hex-encoded 32-byte key for HMAC signatures and hand-off token signing.
	AdminEmails  []string

	// Token lifetimes
	SessionTTL    time.Duration
	RefreshTTL    time.Duration
	HandoffTTL    time.Duration
	OTPTTL        time.Duration
	MagicTTL      time.Duration
	HMACSkew      time.Duration
	NonceTTL      time.Duration
	KnockCooldown time.Duration

	// Rate limiting
	RateLimitAPIRequests      int
	RateLimitAPIWindowSeconds int
	RateLimitExchangeCount    int
	RateLimitExchangeWindow   time.Duration
	RateLimitRefreshCount     int
	RateLimitRefreshWindow    time.Duration
	RateLimitWSCount          int
	RateLimitWSWindowSeconds  int

	// Gateway
	GatewayHeartbeatIntervalMS int
	GatewayMaxConnections      int

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// CORS
	CORSAllowOrigins string

	// Disposable email screening for registration.
	DisposableEmailBlocklistEnabled bool
	DisposableEmailBlocklistURL     string

	// secretKey is the decoded ServerSecret, populated during validation.
	secretKey []byte
}

// Load reads configuration from environment variables with defaults matching .env.example. It returns an error if any
// variable is set but cannot be parsed, or if required security values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerEnv:  envStr("SERVER_ENV", "production"),
		ServerPort: p.int("SERVER_PORT", 8080),
		ServerURL:  envStr("SERVER_URL", ""),
		Domain:     envStr("DOMAIN", ""),

		AndroidOrigins: splitList(envStr("ANDROID_APK_ORIGINS", "")),

		DBPath:    envStr("DB_PATH", "murmel.db"),
		ValkeyURL: envStr("VALKEY_URL", "valkey://valkey:6379/0"),

		ServerSecret: envStr("SERVER_SECRET", ""),
		AdminEmails:  splitList(envStr("ADMIN_EMAILS", "")),

		SessionTTL:    p.duration("SESSION_TTL", 90*24*time.Hour),
		RefreshTTL:    p.duration("REFRESH_TTL", 90*24*time.Hour),
		HandoffTTL:    p.duration("HANDOFF_TTL", 60*time.Second),
		OTPTTL:        p.duration("OTP_TTL", 5*time.Minute),
		MagicTTL:      p.duration("MAGIC_TTL", 5*time.Minute),
		HMACSkew:      p.duration("HMAC_SKEW_WINDOW", 5*time.Minute),
		NonceTTL:      p.duration("NONCE_TTL", 10*time.Minute),
		KnockCooldown: p.duration("KNOCK_COOLDOWN", 30*time.Second),

		RateLimitAPIRequests:      p.int("RATE_LIMIT_API_REQUESTS", 120),
		RateLimitAPIWindowSeconds: p.int("RATE_LIMIT_API_WINDOW_SECONDS", 60),
		RateLimitExchangeCount:    p.int("RATE_LIMIT_EXCHANGE_COUNT", 5),
		RateLimitExchangeWindow:   p.duration("RATE_LIMIT_EXCHANGE_WINDOW", 15*time.Minute),
		RateLimitRefreshCount:     p.int("RATE_LIMIT_REFRESH_COUNT", 10),
		RateLimitRefreshWindow:    p.duration("RATE_LIMIT_REFRESH_WINDOW", time.Hour),
		RateLimitWSCount:          p.int("RATE_LIMIT_WS_COUNT", 120),
		RateLimitWSWindowSeconds:  p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 60),

		GatewayHeartbeatIntervalMS: p.int("GATEWAY_HEARTBEAT_INTERVAL_MS", 41250),
		GatewayMaxConnections:      p.int("GATEWAY_MAX_CONNECTIONS", 10000),

		SMTPHost:     envStr("SMTP_HOST", ""),
		SMTPPort:     p.int("SMTP_PORT", 587),
		SMTPUsername: envStr("SMTP_USERNAME", ""),
		SMTPPassword: envStr("SMTP_PASSWORD", ""),
		SMTPFrom:     envStr("SMTP_FROM", "noreply@murmel.example.com"),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),

		DisposableEmailBlocklistEnabled: p.bool("DISPOSABLE_EMAIL_BLOCKLIST_ENABLED", false),
		DisposableEmailBlocklistURL: envStr("DISPOSABLE_EMAIL_BLOCKLIST_URL",
			"https://raw.githubusercontent.com/disposable-email-domains/disposable-email-domains/main/disposable_email_blocklist.conf"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	// In development mode, fall back to localhost defaults so that the server works out of the box: SERVER_URL points
	// at the local listener and the WebAuthn RP-ID becomes localhost.
	if cfg.IsDevelopment() {
		if cfg.ServerURL == "" {
			cfg.ServerURL = fmt.Sprintf("http://localhost:%d", cfg.ServerPort)
		}
		if cfg.Domain == "" {
			cfg.Domain = "localhost"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// SMTPConfigured returns true when an SMTP host is set, indicating that the server should attempt to send emails.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != ""
}

// IsAdminEmail reports whether the given email is on the configured admin list. Comparison is case-insensitive.
func (c *Config) IsAdminEmail(email string) bool {
	for _, admin := range c.AdminEmails {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

// SecretKey returns the decoded 32-byte server secret. It is only valid after a successful Load.
func (c *Config) SecretKey() []byte {
	return c.secretKey
}

func (c *Config) validate() error {
	var errs []error

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("DB_PATH must not be empty"))
	}

	if c.ServerSecret == "" {
		errs = append(errs, fmt.Errorf("SERVER_SECRET is required"))
	} else {
		b, err := hex.DecodeString(c.ServerSecret)
		if err != nil || len(b) != 32 {
			errs = append(errs, fmt.Errorf("SERVER_SECRET must be exactly 64 hex characters (32 bytes)"))
		} else {
			c.secretKey = b
		}
	}

	if !c.IsDevelopment() {
		if c.Domain == "" {
			errs = append(errs, fmt.Errorf("DOMAIN is required in production"))
		}
		if c.ServerURL == "" {
			errs = append(errs, fmt.Errorf("SERVER_URL is required in production"))
		}
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		errs = append(errs, fmt.Errorf("SERVER_URL must start with http:// or https://"))
	}

	for _, origin := range c.AndroidOrigins {
		if !strings.HasPrefix(origin, "android:apk-key-hash:") {
			errs = append(errs, fmt.Errorf("ANDROID_APK_ORIGINS entries must start with android:apk-key-hash:, got %q", origin))
		}
	}

	for _, admin := range c.AdminEmails {
		if _, err := mail.ParseAddress(admin); err != nil {
			errs = append(errs, fmt.Errorf("ADMIN_EMAILS contains an invalid address: %q", admin))
		}
	}

	for name, d := range map[string]time.Duration{
		"SESSION_TTL":      c.SessionTTL,
		"REFRESH_TTL":      c.RefreshTTL,
		"HANDOFF_TTL":      c.HandoffTTL,
		"OTP_TTL":          c.OTPTTL,
		"MAGIC_TTL":        c.MagicTTL,
		"HMAC_SKEW_WINDOW": c.HMACSkew,
		"NONCE_TTL":        c.NonceTTL,
		"KNOCK_COOLDOWN":   c.KnockCooldown,
	} {
		if d < time.Second {
			errs = append(errs, fmt.Errorf("%s must be at least 1s", name))
		}
	}

	// The nonce cache must outlive the timestamp skew window, otherwise a replayed request could pass the timestamp
	// check after its nonce has been evicted.
	if c.NonceTTL < 2*c.HMACSkew {
		errs = append(errs, fmt.Errorf("NONCE_TTL must be at least twice HMAC_SKEW_WINDOW"))
	}

	if c.RateLimitAPIRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_REQUESTS must be at least 1"))
	}
	if c.RateLimitAPIWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_WINDOW_SECONDS must be at least 1"))
	}
	if c.RateLimitExchangeCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_EXCHANGE_COUNT must be at least 1"))
	}
	if c.RateLimitRefreshCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REFRESH_COUNT must be at least 1"))
	}
	if c.RateLimitWSCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_COUNT must be at least 1"))
	}
	if c.RateLimitWSWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_WINDOW_SECONDS must be at least 1"))
	}

	if c.GatewayHeartbeatIntervalMS < 1000 {
		errs = append(errs, fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL_MS must be at least 1000"))
	}
	if c.GatewayMaxConnections < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be at least 1"))
	}

	if c.SMTPHost != "" {
		if c.SMTPPort < 1 || c.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("SMTP_PORT must be between 1 and 65535"))
		}
		if _, err := mail.ParseAddress(c.SMTPFrom); err != nil {
			errs = append(errs, fmt.Errorf("SMTP_FROM is not a valid email address: %q", c.SMTPFrom))
		}
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

// splitList splits a comma-separated list, trimming whitespace and dropping empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
