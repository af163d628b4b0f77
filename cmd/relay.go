package cmd

import (
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/beacon/backend/auth"
	"github.com/adwski/beacon/backend/config"
	httpServer "github.com/adwski/beacon/backend/server/http"
	websocketServer "github.com/adwski/beacon/backend/server/websocket"
	"github.com/adwski/beacon/backend/service"
	store "github.com/adwski/beacon/backend/storage/memory"
	sw "github.com/adwski/beacon/backend/switch"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay and its HTTP API",
	RunE:  runRelay,
}

func init() {
	fs := relayCmd.Flags()
	fs.StringP("api-listen-addr", "a", "", "api listen address (overrides API_LISTEN_ADDR)")
	fs.StringP("ws-listen-addr", "w", "", "websocket signaling listen address (overrides WS_LISTEN_ADDR)")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("api-listen-addr"); v != "" {
		cfg.APIListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("ws-listen-addr"); v != "" {
		cfg.WSListenAddr = v
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	if cfg.UsesDevSecret() {
		logger.Warn().Msg("JWT_SECRET is not set, using the development secret")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	rooms := store.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore:     rooms,
		ShareStore:    store.NewShareStore(cfg.ShareTTL),
		Switch:        sw.NewSwitch(&logger),
		Authenticator: verifier,
		Logger:        &logger,
		SweepInterval: cfg.ShareSweepInterval,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		Authenticator: verifier,
		Rooms:         rooms,
		Stats:         svc,
		ICEServers:    iceServers(cfg),
		ListenAddr:    cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		MaxMessageSize:   cfg.WSMaxMessageSize,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go svc.Run(ctx, wg, errc)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return err
}

func iceServers(cfg *config.Config) []httpServer.ICEServer {
	var out []httpServer.ICEServer
	if len(cfg.ICEServers) > 0 {
		out = append(out, httpServer.ICEServer{URLs: cfg.ICEServers})
	}
	if cfg.TURNURL != "" {
		out = append(out, httpServer.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return out
}
