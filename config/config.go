// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required bot credentials (authenticated chat sends), use ValidateBotReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Platform API
	APIBase   string
	ClientID  string
	BotOAuth  string
	BotUserID int64

	// Discovery
	ViewerThreshold  int
	DiscoverInterval time.Duration
	ChannelOverrides []int64

	// Orchestration
	SweepInterval     time.Duration
	ChannelStaleAfter time.Duration
	ConnectWorkers    int

	// Chat gateway
	MinSendSpacing time.Duration
	AuthIdleWindow time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if bot creds
// are missing; use ValidateBotReady() when you require authenticated sends. The only
// hard failure is a value that is present but unparseable.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.APIBase = os.Getenv("API_BASE")
	if cfg.APIBase == "" {
		cfg.APIBase = "https://mixer.com"
	}
	cfg.ClientID = os.Getenv("CLIENT_ID")
	if cfg.ClientID == "" {
		cfg.ClientID = "streamwatch"
	}

	if v := os.Getenv("BOT_USER_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BOT_USER_ID: %w", err)
		}
		cfg.BotUserID = n
	}
	cfg.BotOAuth = os.Getenv("BOT_OAUTH_TOKEN")

	cfg.ViewerThreshold = 5
	if v := os.Getenv("VIEWER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid VIEWER_THRESHOLD: %q", v)
		}
		cfg.ViewerThreshold = n
	}

	var err error
	if cfg.DiscoverInterval, err = durationEnv("DISCOVER_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	// Staleness defaults to 12 discovery intervals so a channel survives the same
	// number of missed polls regardless of how fast discovery runs.
	if cfg.ChannelStaleAfter, err = durationEnv("CHANNEL_STALE_AFTER", 12*cfg.DiscoverInterval); err != nil {
		return nil, err
	}
	if cfg.MinSendSpacing, err = durationEnv("MIN_SEND_SPACING", 600*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.AuthIdleWindow, err = durationEnv("AUTH_IDLE_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	cfg.ConnectWorkers = 5
	if v := os.Getenv("CONNECT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CONNECT_WORKERS: %q", v)
		}
		cfg.ConnectWorkers = n
	}

	if v := os.Getenv("CHANNEL_OVERRIDES"); v != "" {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid CHANNEL_OVERRIDES entry %q: %w", part, err)
			}
			cfg.ChannelOverrides = append(cfg.ChannelOverrides, id)
		}
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// ValidateBotReady checks required fields for authenticated chat sends (whispers,
// bot replies). Discovery and read-only listening work without them.
func (c *Config) ValidateBotReady() error {
	if c.BotUserID == 0 || c.BotOAuth == "" {
		return fmt.Errorf("missing bot env: require BOT_USER_ID, BOT_OAUTH_TOKEN")
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
