package share

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/client/peer"
	"github.com/adwski/beacon/client/relay"
	"github.com/adwski/beacon/client/transfer"
	"github.com/rs/zerolog"
)

const defaultLinger = 5 * time.Second

type SeederConfig struct {
	Logger        *zerolog.Logger
	Client        *relay.Client
	Events        Events
	Files         []transfer.Source
	NewNegotiator func() (peer.Negotiator, error)
	Sender        transfer.SenderConfig
	// ConnectTimeout bounds each peer's negotiation.
	ConnectTimeout time.Duration
	// Linger is how long the channel stays open after the last byte so the
	// receiver can close it first.
	Linger time.Duration
	// OnServed is called once per requesting peer with the outcome.
	OnServed func(peerID string, err error)
}

// Seeder serves one batch of files to every peer that requests it.
type Seeder struct {
	cfg      SeederConfig
	manifest json.RawMessage
	logger   zerolog.Logger

	mx        sync.Mutex
	sessions  map[string]*peer.Session
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

func NewSeeder(cfg SeederConfig) (*Seeder, error) {
	if cfg.Linger <= 0 {
		cfg.Linger = defaultLinger
	}
	manifest, err := json.Marshal(Manifest(cfg.Files))
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Seeder{
		cfg:      cfg,
		manifest: manifest,
		logger:   logger.With().Str("component", "seeder").Logger(),
		sessions: make(map[string]*peer.Session),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once Run listens for requests.
func (s *Seeder) Ready() <-chan struct{} {
	return s.ready
}

// Run answers requests until ctx is done or the relay connection ends.
// Sessions still open at that point are closed before Run returns.
func (s *Seeder) Run(ctx context.Context) error {
	sub := s.cfg.Client.Subscribe(s.cfg.Events.Request, s.cfg.Events.Signal)
	defer sub.Close()
	defer s.closeAll()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Debug().Int("files", len(s.cfg.Files)).Msg("seeding")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ann, ok := <-sub.C:
			if !ok {
				return s.cfg.Client.Err()
			}
			var msg model.Directed
			if err := ann.Decode(&msg); err != nil || msg.From == "" {
				s.logger.Warn().Err(err).Str("type", ann.Type).Msg("malformed forward ignored")
				continue
			}
			switch ann.Type {
			case s.cfg.Events.Request:
				s.accept(ctx, msg.From)
			case s.cfg.Events.Signal:
				s.signal(msg.From, msg.Signal)
			}
		}
	}
}

func (s *Seeder) accept(ctx context.Context, from string) {
	logger := s.logger.With().Str("peer", from).Logger()

	s.mx.Lock()
	if old, ok := s.sessions[from]; ok {
		// retry from the same peer replaces the previous attempt
		_ = old.Close()
	}
	s.mx.Unlock()

	neg, err := s.cfg.NewNegotiator()
	if err != nil {
		logger.Error().Err(err).Msg("cannot create negotiator")
		s.served(from, err)
		return
	}
	sess := peer.NewSession(peer.Config{
		Logger:         &logger,
		RemoteID:       from,
		Signaler:       &relaySignaler{client: s.cfg.Client, typ: s.cfg.Events.Signal},
		Negotiator:     neg,
		ConnectTimeout: s.cfg.ConnectTimeout,
	})
	if err = sess.Initiate(ctx, peer.Responder); err != nil {
		s.served(from, err)
		return
	}

	s.mx.Lock()
	s.sessions[from] = sess
	s.mx.Unlock()

	if err = s.cfg.Client.Send(ctx, s.cfg.Events.Ready, model.Directed{To: from, FileInfo: s.manifest}); err != nil {
		_ = sess.Close()
		s.forget(from, sess)
		s.served(from, err)
		return
	}
	logger.Debug().Msg("request accepted")

	s.wg.Add(1)
	go s.serve(ctx, from, sess, &logger)
}

func (s *Seeder) signal(from string, payload json.RawMessage) {
	s.mx.Lock()
	sess, ok := s.sessions[from]
	s.mx.Unlock()
	if !ok {
		s.logger.Debug().Str("peer", from).Msg("signal for unknown session dropped")
		return
	}
	_ = sess.OnSignal(payload)
}

func (s *Seeder) serve(ctx context.Context, from string, sess *peer.Session, logger *zerolog.Logger) {
	defer s.wg.Done()
	defer s.forget(from, sess)
	defer func() { _ = sess.Close() }()

	ch, err := sess.WaitConnected(ctx)
	if err != nil {
		s.served(from, err)
		return
	}
	cfg := s.cfg.Sender
	cfg.Logger = logger
	sender, err := transfer.NewSender(ch, cfg)
	if err != nil {
		s.served(from, err)
		return
	}
	if err = sender.SendBatch(ctx, s.cfg.Files); err != nil {
		if errors.Is(err, context.Canceled) {
			_ = sender.Cancel("sender stopped")
		}
		s.served(from, err)
		return
	}

	linger := time.NewTimer(s.cfg.Linger)
	defer linger.Stop()
	select {
	case <-ch.Closed():
	case <-linger.C:
	case <-ctx.Done():
	}
	logger.Debug().Msg("batch served")
	s.served(from, nil)
}

func (s *Seeder) forget(from string, sess *peer.Session) {
	s.mx.Lock()
	if s.sessions[from] == sess {
		delete(s.sessions, from)
	}
	s.mx.Unlock()
}

func (s *Seeder) served(from string, err error) {
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", from).Msg("peer not served")
	}
	if s.cfg.OnServed != nil {
		s.cfg.OnServed(from, err)
	}
}

func (s *Seeder) closeAll() {
	s.mx.Lock()
	for _, sess := range s.sessions {
		_ = sess.Close()
	}
	s.mx.Unlock()
	s.wg.Wait()
}
