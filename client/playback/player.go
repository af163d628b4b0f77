package playback

import (
	"sync"
	"time"
)

// Player is the local media element being kept in sync.
type Player interface {
	Position() float64
	Playing() bool
	Play()
	Pause()
	Seek(position float64)
}

// EventKind is a state change reported by a player.
type EventKind int

const (
	EventPlay EventKind = iota
	EventPause
	EventSeeked
)

// VirtualPlayer is a headless Player whose position advances with the
// clock while playing. Every state change is reported to the event handler,
// like a media element firing play/pause/seeked.
type VirtualPlayer struct {
	mx      sync.Mutex
	now     func() time.Time
	pos     float64
	since   time.Time
	playing bool
	onEvent func(EventKind)
}

func NewVirtualPlayer(now func() time.Time) *VirtualPlayer {
	if now == nil {
		now = time.Now
	}
	return &VirtualPlayer{now: now}
}

// OnEvent sets the handler for play/pause/seeked events.
func (vp *VirtualPlayer) OnEvent(f func(EventKind)) {
	vp.mx.Lock()
	vp.onEvent = f
	vp.mx.Unlock()
}

func (vp *VirtualPlayer) Position() float64 {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.position()
}

func (vp *VirtualPlayer) position() float64 {
	if !vp.playing {
		return vp.pos
	}
	return vp.pos + vp.now().Sub(vp.since).Seconds()
}

func (vp *VirtualPlayer) Playing() bool {
	vp.mx.Lock()
	defer vp.mx.Unlock()
	return vp.playing
}

func (vp *VirtualPlayer) Play() {
	vp.mx.Lock()
	if vp.playing {
		vp.mx.Unlock()
		return
	}
	vp.playing = true
	vp.since = vp.now()
	vp.mx.Unlock()
	vp.emit(EventPlay)
}

func (vp *VirtualPlayer) Pause() {
	vp.mx.Lock()
	if !vp.playing {
		vp.mx.Unlock()
		return
	}
	vp.pos = vp.position()
	vp.playing = false
	vp.mx.Unlock()
	vp.emit(EventPause)
}

func (vp *VirtualPlayer) Seek(position float64) {
	if position < 0 {
		position = 0
	}
	vp.mx.Lock()
	vp.pos = position
	vp.since = vp.now()
	vp.mx.Unlock()
	vp.emit(EventSeeked)
}

func (vp *VirtualPlayer) emit(kind EventKind) {
	vp.mx.Lock()
	f := vp.onEvent
	vp.mx.Unlock()
	if f != nil {
		f(kind)
	}
}
