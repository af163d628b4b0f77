package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultChannelLabel = "beacon"
	pionInboundBuffer   = 64
)

var ErrICEFailed = errors.New("ice connection failed")

type PionConfig struct {
	Logger     *zerolog.Logger
	ICEServers []webrtc.ICEServer
	// Label of the data channel opened by the initiator.
	Label string
}

// PionNegotiator negotiates an ordered, reliable data channel with trickle
// ICE. Remote candidates that arrive before the remote description are held
// back and applied once it is set; local candidates are held until the local
// description has been handed out.
type PionNegotiator struct {
	cfg    PionConfig
	logger zerolog.Logger
	pc     *webrtc.PeerConnection

	mx            sync.Mutex
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	descSent      bool
	pendingLocal  []webrtc.ICECandidateInit

	onLocal   func(json.RawMessage)
	onReady   func(Channel)
	onFailure func(error)
}

func NewPionNegotiator(cfg PionConfig) (*PionNegotiator, error) {
	if cfg.Label == "" {
		cfg.Label = defaultChannelLabel
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, errors.Join(ErrNegotiationFailed, err)
	}
	return &PionNegotiator{
		cfg:    cfg,
		logger: logger.With().Str("component", "pion").Logger(),
		pc:     pc,
	}, nil
}

// PionFactory returns a negotiator factory bound to cfg.
func PionFactory(cfg PionConfig) func() (Negotiator, error) {
	return func() (Negotiator, error) {
		return NewPionNegotiator(cfg)
	}
}

func (n *PionNegotiator) OnLocalSignal(f func(json.RawMessage)) { n.onLocal = f }
func (n *PionNegotiator) OnReady(f func(Channel))               { n.onReady = f }
func (n *PionNegotiator) OnFailure(f func(error))               { n.onFailure = f }

func (n *PionNegotiator) Start(role Role) error {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.emitCandidate(c.ToJSON())
	})
	n.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debug().Stringer("state", state).Msg("connection state changed")
		if state == webrtc.PeerConnectionStateFailed {
			n.onFailure(ErrICEFailed)
		}
	})

	if role == Responder {
		n.pc.OnDataChannel(n.wire)
		return nil
	}

	ordered := true
	dc, err := n.pc.CreateDataChannel(n.cfg.Label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	n.wire(dc)

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err = n.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return n.emitDescription(offer)
}

func (n *PionNegotiator) HandleSignal(payload json.RawMessage) error {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSignal, err)
	}

	switch sig.Type {
	case SignalOffer:
		if err := n.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return err
		}
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err = n.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		return n.emitDescription(answer)
	case SignalAnswer:
		return n.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	case SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Candidate, &c); err != nil {
			return fmt.Errorf("%w: %w", ErrBadSignal, err)
		}
		n.mx.Lock()
		if !n.remoteSet {
			n.pendingRemote = append(n.pendingRemote, c)
			n.mx.Unlock()
			return nil
		}
		n.mx.Unlock()
		return n.pc.AddICECandidate(c)
	}
	return fmt.Errorf("%w: type %q", ErrBadSignal, sig.Type)
}

func (n *PionNegotiator) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	n.mx.Lock()
	n.remoteSet = true
	pending := n.pendingRemote
	n.pendingRemote = nil
	n.mx.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warn().Err(err).Msg("failed to add queued candidate")
		}
	}
	return nil
}

func (n *PionNegotiator) emitDescription(desc webrtc.SessionDescription) error {
	b, err := json.Marshal(&Signal{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return err
	}
	n.mx.Lock()
	n.onLocal(b)
	n.descSent = true
	pending := n.pendingLocal
	n.pendingLocal = nil
	n.mx.Unlock()

	for _, c := range pending {
		n.emitCandidate(c)
	}
	return nil
}

func (n *PionNegotiator) emitCandidate(c webrtc.ICECandidateInit) {
	n.mx.Lock()
	if !n.descSent {
		n.pendingLocal = append(n.pendingLocal, c)
		n.mx.Unlock()
		return
	}
	n.mx.Unlock()

	cb, err := json.Marshal(&c)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal candidate")
		return
	}
	b, err := json.Marshal(&Signal{Type: SignalCandidate, Candidate: cb})
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to marshal candidate signal")
		return
	}
	n.onLocal(b)
}

func (n *PionNegotiator) wire(dc *webrtc.DataChannel) {
	ch := newPionChannel(dc)
	dc.OnOpen(func() {
		n.logger.Debug().Str("label", dc.Label()).Msg("data channel open")
		n.onReady(ch)
	})
}

func (n *PionNegotiator) Close() error {
	return n.pc.Close()
}

// pionChannel adapts a data channel to Channel.
type pionChannel struct {
	dc        *webrtc.DataChannel
	in        chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newPionChannel(dc *webrtc.DataChannel) *pionChannel {
	ch := &pionChannel{
		dc:     dc,
		in:     make(chan Message, pionInboundBuffer),
		closed: make(chan struct{}),
	}
	// blocking here stalls the SCTP reader, which is the receive-side backpressure
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case ch.in <- Message{IsString: msg.IsString, Data: msg.Data}:
		case <-ch.closed:
		}
	})
	dc.OnClose(ch.markClosed)
	return ch
}

func (ch *pionChannel) markClosed() {
	ch.closeOnce.Do(func() { close(ch.closed) })
}

func (ch *pionChannel) Send(data []byte) error       { return ch.dc.Send(data) }
func (ch *pionChannel) SendText(s string) error      { return ch.dc.SendText(s) }
func (ch *pionChannel) BufferedAmount() uint64       { return ch.dc.BufferedAmount() }
func (ch *pionChannel) OnBufferedAmountLow(f func()) { ch.dc.OnBufferedAmountLow(f) }
func (ch *pionChannel) Messages() <-chan Message     { return ch.in }
func (ch *pionChannel) Closed() <-chan struct{}      { return ch.closed }

func (ch *pionChannel) SetBufferedAmountLowThreshold(th uint64) {
	ch.dc.SetBufferedAmountLowThreshold(th)
}

func (ch *pionChannel) Close() error {
	ch.markClosed()
	return ch.dc.Close()
}
