package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevJWTSecret is used when JWT_SECRET is unset. Never run with it in production.
const DevJWTSecret = "beacon-dev-secret-change-me"

// Config holds relay configuration.
type Config struct {
	APIListenAddr string // API_LISTEN_ADDR
	WSListenAddr  string // WS_LISTEN_ADDR
	LogLevel      string // LOG_LEVEL

	JWTSecret string // JWT_SECRET

	ShareTTL           time.Duration // SHARE_TTL
	ShareSweepInterval time.Duration // SHARE_SWEEP_INTERVAL

	WSMaxMessageSize int64 // WS_MAX_MESSAGE_SIZE

	// ICE servers handed to clients by the API.
	ICEServers   []string // ICE_SERVERS, space separated
	TURNURL      string   // TURN_URL
	TURNUsername string   // TURN_USERNAME
	TURNPassword string   // TURN_PASSWORD
}

// Load loads config from environment (.env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	ttl, err := time.ParseDuration(getEnv("SHARE_TTL", "30m"))
	errs = append(errs, err)
	sweep, err := time.ParseDuration(getEnv("SHARE_SWEEP_INTERVAL", "1m"))
	errs = append(errs, err)
	maxMsg, err := strconv.ParseInt(getEnv("WS_MAX_MESSAGE_SIZE", "65536"), 10, 64)
	errs = append(errs, err)
	if err = errors.Join(errs...); err != nil {
		return nil, errors.Join(errors.New("config: invalid value"), err)
	}

	cfg := &Config{
		APIListenAddr:      getEnv("API_LISTEN_ADDR", ":8080"),
		WSListenAddr:       getEnv("WS_LISTEN_ADDR", ":8888"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		JWTSecret:          getEnv("JWT_SECRET", DevJWTSecret),
		ShareTTL:           ttl,
		ShareSweepInterval: sweep,
		WSMaxMessageSize:   maxMsg,
		ICEServers:         strings.Fields(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		TURNURL:            os.Getenv("TURN_URL"),
		TURNUsername:       os.Getenv("TURN_USERNAME"),
		TURNPassword:       os.Getenv("TURN_PASSWORD"),
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.ShareTTL <= 0 {
		return errors.New("config: SHARE_TTL must be positive")
	}
	if c.ShareSweepInterval <= 0 {
		return errors.New("config: SHARE_SWEEP_INTERVAL must be positive")
	}
	if c.WSMaxMessageSize <= 0 {
		return errors.New("config: WS_MAX_MESSAGE_SIZE must be positive")
	}
	return nil
}

// UsesDevSecret reports whether the built-in development secret is active.
func (c *Config) UsesDevSecret() bool {
	return c.JWTSecret == DevJWTSecret
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
