// Package config loads the adapter's configuration surface from
// environment variables and validates it at boot, the way the original
// service's settings module validates required fields before accepting
// traffic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const minSigningKeyBytes = 32

// Config is the adapter's entire external configuration surface.
type Config struct {
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamRefreshToken string
	PortalID             string

	BearerSigningKey []byte

	KVEndpoint string

	AllowList []string
	RateLimit int
	RateWindow time.Duration

	CacheTTL          time.Duration
	TokenSafetyMargin time.Duration

	WebhookSecret   string
	WebhooksEnabled bool

	UpstreamProjectsBaseURL string
	UpstreamFilesBaseURL    string

	ListenAddr string
}

// Load reads Config from the process environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		UpstreamClientID:     os.Getenv("UPSTREAM_CLIENT_ID"),
		UpstreamClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
		UpstreamRefreshToken: os.Getenv("UPSTREAM_REFRESH_TOKEN"),
		PortalID:             os.Getenv("PORTAL_ID"),

		BearerSigningKey: []byte(os.Getenv("BEARER_SIGNING_KEY")),

		KVEndpoint: os.Getenv("KV_ENDPOINT"),

		AllowList:  splitList(os.Getenv("ALLOW_LIST"), []string{"127.0.0.1", "::1"}),
		RateLimit:  intOrDefault(os.Getenv("RATE_LIMIT"), 100),
		RateWindow: durationOrDefault(os.Getenv("RATE_WINDOW_SECONDS"), 60*time.Second),

		CacheTTL:          durationOrDefault(os.Getenv("CACHE_TTL_SECONDS"), 300*time.Second),
		TokenSafetyMargin: durationOrDefault(os.Getenv("TOKEN_SAFETY_MARGIN_SECONDS"), 300*time.Second),

		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		WebhooksEnabled: boolOrDefault(os.Getenv("ENABLE_WEBHOOKS"), true),

		UpstreamProjectsBaseURL: stringOrDefault(os.Getenv("UPSTREAM_PROJECTS_BASE_URL"), "https://projectsapi.zoho.com/restapi"),
		UpstreamFilesBaseURL:    stringOrDefault(os.Getenv("UPSTREAM_FILES_BASE_URL"), "https://www.zohoapis.com/workdrive/api/v1"),

		ListenAddr: stringOrDefault(os.Getenv("LISTEN_ADDR"), ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required field is present and well-formed,
// matching spec's boot-time exit-code contract: a non-zero exit on
// missing required configuration, a too-short signing key, or an
// unreachable KV endpoint (checked by the caller after Load succeeds).
func (c *Config) Validate() error {
	var missing []string
	if c.UpstreamClientID == "" {
		missing = append(missing, "UPSTREAM_CLIENT_ID")
	}
	if c.UpstreamClientSecret == "" {
		missing = append(missing, "UPSTREAM_CLIENT_SECRET")
	}
	if c.UpstreamRefreshToken == "" {
		missing = append(missing, "UPSTREAM_REFRESH_TOKEN")
	}
	if c.PortalID == "" {
		missing = append(missing, "PORTAL_ID")
	}
	if c.KVEndpoint == "" {
		missing = append(missing, "KV_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required values: %s", strings.Join(missing, ", "))
	}

	if len(c.BearerSigningKey) < minSigningKeyBytes {
		return fmt.Errorf("config: BEARER_SIGNING_KEY must be at least %d bytes, got %d", minSigningKeyBytes, len(c.BearerSigningKey))
	}

	if c.WebhooksEnabled && c.WebhookSecret == "" {
		return fmt.Errorf("config: WEBHOOK_SECRET is required when webhooks are enabled")
	}

	return nil
}

func splitList(v string, fallback []string) []string {
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func intOrDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationOrDefault(secondsStr string, fallback time.Duration) time.Duration {
	if secondsStr == "" {
		return fallback
	}
	secs, err := strconv.Atoi(secondsStr)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func boolOrDefault(v string, fallback bool) bool {
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func stringOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
