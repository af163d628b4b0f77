package peer

import "errors"

var (
	ErrNegotiationFailed = errors.New("peer negotiation failed")
	ErrClosed            = errors.New("peer session closed")
	ErrPeerLost          = errors.New("peer connection lost")
	ErrBadSignal         = errors.New("malformed signal")
)

// Message is one message received on a Channel.
type Message struct {
	IsString bool
	Data     []byte
}

// Channel is an ordered, reliable message stream to a single peer.
// Backpressure is exposed the way data channels expose it: the number of
// bytes queued but not yet handed to the network, and a callback fired when
// that number falls to the low threshold.
type Channel interface {
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Messages() <-chan Message
	// Closed is closed once the channel can no longer carry messages.
	Closed() <-chan struct{}
	Close() error
}
