package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SHARE_TTL", "SHARE_SWEEP_INTERVAL", "WS_MAX_MESSAGE_SIZE", "JWT_SECRET", "ICE_SERVERS", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Minute, cfg.ShareTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(65536), cfg.WSMaxMessageSize)
	assert.True(t, cfg.UsesDevSecret())
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SHARE_TTL", "5m")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ICE_SERVERS", "stun:a:1 stun:b:2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.ShareTTL)
	assert.False(t, cfg.UsesDevSecret())
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, cfg.ICEServers)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SHARE_TTL", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{JWTSecret: "x", ShareTTL: time.Minute, ShareSweepInterval: time.Minute, WSMaxMessageSize: 1}
	require.NoError(t, cfg.Validate())

	cfg.ShareTTL = 0
	assert.Error(t, cfg.Validate())
}
