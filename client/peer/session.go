// Package peer establishes direct channels between two relay endpoints.
//
// A Session walks Idle -> SignalingExchange -> Connected -> Closed. Closed is
// terminal; a retry needs a new Session. Negotiation payloads are exchanged
// through a Signaler (normally the relay) one by one as they are produced.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultSignalTimeout  = 5 * time.Second
	outgoingSignalBuffer  = 64
)

type State int

const (
	Idle State = iota
	SignalingExchange
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SignalingExchange:
		return "signaling"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Signal types carried between negotiators.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Signal is the negotiation payload relayed between peers.
type Signal struct {
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type (
	// Signaler delivers a negotiation payload to the remote endpoint.
	Signaler interface {
		Signal(ctx context.Context, to string, payload json.RawMessage) error
	}

	// Negotiator drives one connection attempt. Callbacks are registered
	// before Start and may be invoked from any goroutine.
	Negotiator interface {
		Start(role Role) error
		HandleSignal(payload json.RawMessage) error
		OnLocalSignal(func(json.RawMessage))
		OnReady(func(Channel))
		OnFailure(func(error))
		Close() error
	}

	Config struct {
		Logger     *zerolog.Logger
		RemoteID   string
		Signaler   Signaler
		Negotiator Negotiator
		// ConnectTimeout bounds the whole negotiation.
		ConnectTimeout time.Duration
	}

	Session struct {
		logger   zerolog.Logger
		remoteID string
		sig      Signaler
		neg      Negotiator
		timeout  time.Duration

		mx    sync.Mutex
		state State
		ch    Channel
		err   error

		sigMx sync.Mutex

		outgoing  chan json.RawMessage
		connected chan struct{}
		done      chan struct{}
		closeOnce sync.Once
	}
)

func NewSession(cfg Config) *Session {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Session{
		logger: logger.With().
			Str("component", "peer-session").
			Str("remote", cfg.RemoteID).
			Logger(),
		remoteID:  cfg.RemoteID,
		sig:       cfg.Signaler,
		neg:       cfg.Negotiator,
		timeout:   timeout,
		outgoing:  make(chan json.RawMessage, outgoingSignalBuffer),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) RemoteID() string {
	return s.remoteID
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Initiate starts negotiation. Canceling ctx before the session connects
// closes it.
func (s *Session) Initiate(ctx context.Context, role Role) error {
	s.mx.Lock()
	if s.state != Idle {
		st := s.state
		s.mx.Unlock()
		return fmt.Errorf("%w: cannot initiate in state %s", ErrClosed, st)
	}
	s.state = SignalingExchange
	s.mx.Unlock()

	s.neg.OnLocalSignal(s.enqueueSignal)
	s.neg.OnReady(s.ready)
	s.neg.OnFailure(func(err error) {
		if s.State() == Connected {
			s.fail(errors.Join(ErrPeerLost, err))
			return
		}
		s.fail(errors.Join(ErrNegotiationFailed, err))
	})

	go s.signalPump()
	go s.watchdog(ctx)

	s.logger.Debug().Stringer("role", role).Msg("negotiation started")
	if err := s.neg.Start(role); err != nil {
		err = errors.Join(ErrNegotiationFailed, err)
		s.fail(err)
		return err
	}
	return nil
}

// OnSignal feeds a remote payload to the negotiator. Calls are serialized
// and must be made in the order payloads were received.
func (s *Session) OnSignal(payload json.RawMessage) error {
	if st := s.State(); st == Idle || st == Closed {
		return fmt.Errorf("%w: signal in state %s", ErrClosed, st)
	}
	s.sigMx.Lock()
	defer s.sigMx.Unlock()
	if err := s.neg.HandleSignal(payload); err != nil {
		s.logger.Warn().Err(err).Msg("remote signal rejected")
		if errors.Is(err, ErrBadSignal) {
			return err
		}
		err = errors.Join(ErrNegotiationFailed, err)
		s.fail(err)
		return err
	}
	return nil
}

// WaitConnected blocks until the channel is ready or the session ends.
func (s *Session) WaitConnected(ctx context.Context) (Channel, error) {
	select {
	case <-s.connected:
		s.mx.Lock()
		defer s.mx.Unlock()
		return s.ch, nil
	case <-s.done:
		return nil, s.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channel returns the connected channel or nil.
func (s *Session) Channel() Channel {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.ch
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed. Nil for an explicit Close.
func (s *Session) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

// Close releases the underlying connection. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) fail(err error) {
	s.shutdown(err)
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mx.Lock()
		prev := s.state
		s.state = Closed
		s.err = err
		ch := s.ch
		s.mx.Unlock()

		if ch != nil {
			_ = ch.Close()
		}
		if cErr := s.neg.Close(); cErr != nil {
			s.logger.Debug().Err(cErr).Msg("negotiator close failed")
		}
		close(s.done)

		ev := s.logger.Debug()
		if err != nil {
			ev = s.logger.Warn().Err(err)
		}
		ev.Stringer("from", prev).Msg("session closed")
	})
}

func (s *Session) ready(ch Channel) {
	s.mx.Lock()
	if s.state != SignalingExchange {
		s.mx.Unlock()
		_ = ch.Close()
		return
	}
	s.state = Connected
	s.ch = ch
	s.mx.Unlock()
	close(s.connected)
	s.logger.Debug().Msg("channel ready")

	go func() {
		select {
		case <-ch.Closed():
			s.fail(ErrPeerLost)
		case <-s.done:
		}
	}()
}

func (s *Session) enqueueSignal(payload json.RawMessage) {
	select {
	case s.outgoing <- payload:
	case <-s.done:
	}
}

// signalPump sends local payloads in the order they were produced.
func (s *Session) signalPump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.outgoing:
			ctx, cancel := context.WithTimeout(context.Background(), defaultSignalTimeout)
			err := s.sig.Signal(ctx, s.remoteID, payload)
			cancel()
			if err != nil {
				s.fail(errors.Join(ErrNegotiationFailed, err))
				return
			}
		}
	}
}

func (s *Session) watchdog(ctx context.Context) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-s.connected:
	case <-s.done:
	case <-timer.C:
		s.fail(fmt.Errorf("%w: not connected after %s", ErrNegotiationFailed, s.timeout))
	case <-ctx.Done():
		s.fail(errors.Join(ErrNegotiationFailed, ctx.Err()))
	}
}
