package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/client/peer"
	"github.com/adwski/beacon/client/relay"
	"github.com/adwski/beacon/client/transfer"
	"github.com/rs/zerolog"
)

const defaultReadyTimeout = 15 * time.Second

type FetchConfig struct {
	Logger        *zerolog.Logger
	Client        *relay.Client
	Events        Events
	HostID        string
	NewNegotiator func() (peer.Negotiator, error)
	// Receiver.Expected is taken from the host's manifest when left zero.
	Receiver       transfer.ReceiverConfig
	ConnectTimeout time.Duration
	ReadyTimeout   time.Duration
	// FileInfo is attached to the request, e.g. the announced video file.
	FileInfo json.RawMessage
}

// Fetch asks the host for its batch and receives it. A partial delivery is
// returned together with transfer.ErrIncompleteTransfer.
func Fetch(ctx context.Context, cfg FetchConfig) (*transfer.Delivery, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().
		Str("component", "fetcher").
		Str("host", cfg.HostID).
		Logger()

	sub := cfg.Client.Subscribe(cfg.Events.Ready, cfg.Events.Signal)
	defer sub.Close()

	err := cfg.Client.Send(ctx, cfg.Events.Request, model.Directed{To: cfg.HostID, FileInfo: cfg.FileInfo})
	if err != nil {
		return nil, err
	}
	manifest, err := awaitReady(ctx, sub, cfg.Events.Ready, cfg.HostID, cfg.ReadyTimeout)
	if err != nil {
		return nil, err
	}
	logger.Debug().Int("files", len(manifest)).Msg("host is ready")

	neg, err := cfg.NewNegotiator()
	if err != nil {
		return nil, errors.Join(peer.ErrNegotiationFailed, err)
	}
	sess := peer.NewSession(peer.Config{
		Logger:         &logger,
		RemoteID:       cfg.HostID,
		Signaler:       &relaySignaler{client: cfg.Client, typ: cfg.Events.Signal},
		Negotiator:     neg,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	defer func() { _ = sess.Close() }()

	if err = sess.Initiate(ctx, peer.Initiator); err != nil {
		return nil, err
	}
	go forwardSignals(sub, sess, cfg.HostID)

	ch, err := sess.WaitConnected(ctx)
	if err != nil {
		return nil, err
	}

	rcfg := cfg.Receiver
	if rcfg.Logger == nil {
		rcfg.Logger = &logger
	}
	if rcfg.Expected <= 0 {
		rcfg.Expected = len(manifest)
	}
	receiver := transfer.NewReceiver(ch, rcfg)
	delivery, err := receiver.Run(ctx)
	if err != nil && errors.Is(err, transfer.ErrCanceled) {
		_ = receiver.Cancel("receiver stopped")
	}
	return delivery, err
}

func awaitReady(ctx context.Context, sub *relay.Subscription, readyType, hostID string, timeout time.Duration) ([]model.FileInfo, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoReady
		case ann, ok := <-sub.C:
			if !ok {
				return nil, relay.ErrClosed
			}
			if ann.Type != readyType {
				continue
			}
			var msg model.Directed
			if err := ann.Decode(&msg); err != nil || msg.From != hostID {
				continue
			}
			var manifest []model.FileInfo
			if len(msg.FileInfo) > 0 {
				if err := json.Unmarshal(msg.FileInfo, &manifest); err != nil {
					return nil, fmt.Errorf("bad manifest from host: %w", err)
				}
			}
			return manifest, nil
		}
	}
}

// forwardSignals feeds the host's negotiation payloads to the session in
// the order the relay delivered them.
func forwardSignals(sub *relay.Subscription, sess *peer.Session, hostID string) {
	for {
		select {
		case <-sess.Done():
			return
		case ann, ok := <-sub.C:
			if !ok {
				return
			}
			var msg model.Directed
			if err := ann.Decode(&msg); err != nil || msg.From != hostID || len(msg.Signal) == 0 {
				continue
			}
			_ = sess.OnSignal(msg.Signal)
		}
	}
}
