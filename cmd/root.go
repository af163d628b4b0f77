package cmd

import (
	"os"
	"time"

	"github.com/adwski/beacon/backend/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultLeaveTimeout = 2 * time.Second

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon: signaling relay, peer-to-peer file sharing and synchronized playback",
	Long: `Relay server and command line peer.
Commands: relay, token, send, receive, watch.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides LOG_LEVEL)")
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() (zerolog.Logger, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	level := logLevel
	if level == "" {
		cfg, err := config.Load()
		if err != nil {
			return logger, err
		}
		level = cfg.LogLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return logger, err
	}
	return logger.Level(lvl), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
