package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/adwski/beacon/backend/auth"
	"github.com/adwski/beacon/backend/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICEServers(t *testing.T) {
	cfg := &config.Config{
		ICEServers:   []string{"stun:a.example:3478", "stun:b.example:3478"},
		TURNURL:      "turn:turn.example:3478",
		TURNUsername: "u",
		TURNPassword: "p",
	}
	got := iceServers(cfg)
	require.Len(t, got, 2)
	assert.Equal(t, cfg.ICEServers, got[0].URLs)
	assert.Equal(t, []string{"turn:turn.example:3478"}, got[1].URLs)
	assert.Equal(t, "u", got[1].Username)
	assert.Equal(t, "p", got[1].Credential)

	assert.Empty(t, iceServers(&config.Config{}))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cmd-test-secret")
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"token", "alice", "--id", "u-42"})
	require.NoError(t, Execute())

	user, err := auth.NewVerifier("cmd-test-secret").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u-42", user.ID)
	assert.Equal(t, "alice", user.Username)
}

func TestPeerFlagsRequireToken(t *testing.T) {
	pf := &peerFlags{relayURL: "ws://127.0.0.1:1/signal"}
	_, err := pf.dial(context.Background(), nil)
	assert.ErrorIs(t, err, errNoToken)
}

func TestNewLogger_Level(t *testing.T) {
	prev := logLevel
	t.Cleanup(func() { logLevel = prev })

	t.Setenv("LOG_LEVEL", "warn")
	logLevel = ""
	logger, err := newLogger()
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logLevel = "error"
	logger, err = newLogger()
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, logger.GetLevel())

	logLevel = "loud"
	_, err = newLogger()
	assert.Error(t, err)
}
