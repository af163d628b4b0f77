package peer

import (
	"errors"
	"sync"
)

const pipeInboundBuffer = 16

var ErrInjected = errors.New("injected send failure")

// PipeChannel is an in-process Channel. Sent messages are queued and
// delivered by a pump goroutine, so BufferedAmount grows when the other end
// does not read, as it would on a network channel.
type PipeChannel struct {
	mx          sync.Mutex
	queue       []Message
	buffered    uint64
	maxBuffered uint64
	threshold   uint64
	onLow       func()
	failSends   int

	notify chan struct{}
	in     chan Message
	peer   *PipeChannel

	closed    chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns two connected channel ends.
func NewPipe() (*PipeChannel, *PipeChannel) {
	closed := make(chan struct{})
	once := &sync.Once{}
	a := newPipeEnd(closed, once)
	b := newPipeEnd(closed, once)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEnd(closed chan struct{}, once *sync.Once) *PipeChannel {
	return &PipeChannel{
		notify:    make(chan struct{}, 1),
		in:        make(chan Message, pipeInboundBuffer),
		closed:    closed,
		closeOnce: once,
	}
}

func (p *PipeChannel) Send(data []byte) error {
	return p.enqueue(Message{Data: append([]byte(nil), data...)})
}

func (p *PipeChannel) SendText(s string) error {
	return p.enqueue(Message{IsString: true, Data: []byte(s)})
}

func (p *PipeChannel) enqueue(msg Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	p.mx.Lock()
	if p.failSends > 0 {
		p.failSends--
		p.mx.Unlock()
		return ErrInjected
	}
	p.queue = append(p.queue, msg)
	p.buffered += uint64(len(msg.Data))
	if p.buffered > p.maxBuffered {
		p.maxBuffered = p.buffered
	}
	p.mx.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *PipeChannel) pump() {
	for {
		p.mx.Lock()
		if len(p.queue) == 0 {
			p.mx.Unlock()
			select {
			case <-p.notify:
				continue
			case <-p.closed:
				return
			}
		}
		msg := p.queue[0]
		p.queue = p.queue[1:]
		p.mx.Unlock()

		select {
		case p.peer.in <- msg:
		case <-p.closed:
			return
		}

		p.mx.Lock()
		prev := p.buffered
		p.buffered -= uint64(len(msg.Data))
		onLow := p.onLow
		fire := onLow != nil && prev > p.threshold && p.buffered <= p.threshold
		p.mx.Unlock()
		if fire {
			onLow()
		}
	}
}

func (p *PipeChannel) BufferedAmount() uint64 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.buffered
}

// MaxBufferedAmount is the highest BufferedAmount observed so far.
func (p *PipeChannel) MaxBufferedAmount() uint64 {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.maxBuffered
}

func (p *PipeChannel) SetBufferedAmountLowThreshold(th uint64) {
	p.mx.Lock()
	p.threshold = th
	p.mx.Unlock()
}

func (p *PipeChannel) OnBufferedAmountLow(f func()) {
	p.mx.Lock()
	p.onLow = f
	p.mx.Unlock()
}

// FailSends makes the next n sends fail with ErrInjected.
func (p *PipeChannel) FailSends(n int) {
	p.mx.Lock()
	p.failSends = n
	p.mx.Unlock()
}

func (p *PipeChannel) Messages() <-chan Message {
	return p.in
}

func (p *PipeChannel) Closed() <-chan struct{} {
	return p.closed
}

// Close closes both ends.
func (p *PipeChannel) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
