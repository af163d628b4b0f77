package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// LoopbackHub pairs negotiators living in one process. The offer carries a
// hub key in place of an SDP; the answering side picks up the other end of
// the pipe registered under that key. Useful in tests and for local demos.
type LoopbackHub struct {
	mx    sync.Mutex
	pipes map[string]*PipeChannel
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{pipes: make(map[string]*PipeChannel)}
}

// NewNegotiator satisfies the negotiator factory used by sessions.
func (h *LoopbackHub) NewNegotiator() (Negotiator, error) {
	return &loopbackNegotiator{hub: h}, nil
}

func (h *LoopbackHub) register(ch *PipeChannel) string {
	key := uuid.NewString()
	h.mx.Lock()
	h.pipes[key] = ch
	h.mx.Unlock()
	return key
}

func (h *LoopbackHub) take(key string) (*PipeChannel, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	ch, ok := h.pipes[key]
	delete(h.pipes, key)
	return ch, ok
}

type loopbackNegotiator struct {
	hub *LoopbackHub

	mx        sync.Mutex
	own       *PipeChannel
	onLocal   func(json.RawMessage)
	onReady   func(Channel)
	onFailure func(error)
}

func (n *loopbackNegotiator) OnLocalSignal(f func(json.RawMessage)) { n.onLocal = f }
func (n *loopbackNegotiator) OnReady(f func(Channel))               { n.onReady = f }
func (n *loopbackNegotiator) OnFailure(f func(error))               { n.onFailure = f }

func (n *loopbackNegotiator) Start(role Role) error {
	if role != Initiator {
		return nil
	}
	mine, theirs := NewPipe()
	n.mx.Lock()
	n.own = mine
	n.mx.Unlock()

	key := n.hub.register(theirs)
	b, err := json.Marshal(&Signal{Type: SignalOffer, SDP: key})
	if err != nil {
		return err
	}
	n.onLocal(b)
	return nil
}

func (n *loopbackNegotiator) HandleSignal(payload json.RawMessage) error {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignal, err)
	}
	switch sig.Type {
	case SignalOffer:
		ch, ok := n.hub.take(sig.SDP)
		if !ok {
			return fmt.Errorf("%w: unknown loopback offer", ErrBadSignal)
		}
		n.mx.Lock()
		n.own = ch
		n.mx.Unlock()

		b, err := json.Marshal(&Signal{Type: SignalAnswer, SDP: sig.SDP})
		if err != nil {
			return err
		}
		n.onLocal(b)
		n.onReady(ch)
	case SignalAnswer:
		n.mx.Lock()
		ch := n.own
		n.mx.Unlock()
		if ch == nil {
			return fmt.Errorf("%w: answer without offer", ErrBadSignal)
		}
		n.onReady(ch)
	case SignalCandidate:
	default:
		return fmt.Errorf("%w: type %q", ErrBadSignal, sig.Type)
	}
	return nil
}

func (n *loopbackNegotiator) Close() error {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.own != nil {
		return n.own.Close()
	}
	return nil
}
