package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultTolerance   = 1.0
	defaultGuardWindow = 150 * time.Millisecond
)

type (
	// SyncedClock is the relay-aligned clock.
	SyncedClock interface {
		NowMs() int64
	}

	// Publisher sends a host command to the room.
	Publisher interface {
		Publish(ctx context.Context, cmd model.PlaybackCommand, position float64, timestamp int64) error
	}

	CoordinatorConfig struct {
		Logger    *zerolog.Logger
		Player    Player
		Clock     SyncedClock
		Publisher Publisher
		// Tolerance in seconds before a drift is corrected by seeking.
		Tolerance float64
		// GuardWindow is how long player events are treated as the result
		// of a correction rather than user input.
		GuardWindow time.Duration
		Now         func() time.Time
	}

	// Coordinator applies room playback commands to the local player and
	// publishes local user actions when this participant is host.
	Coordinator struct {
		player    Player
		clock     SyncedClock
		publisher Publisher
		tolerance float64
		guard     time.Duration
		now       func() time.Time
		logger    zerolog.Logger

		mx         sync.Mutex
		isHost     bool
		guardUntil time.Time
		state      model.PlaybackState
	}
)

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		player:    cfg.Player,
		clock:     cfg.Clock,
		publisher: cfg.Publisher,
		tolerance: cfg.Tolerance,
		guard:     cfg.GuardWindow,
		now:       cfg.Now,
	}
	if c.tolerance <= 0 {
		c.tolerance = DefaultTolerance
	}
	if c.guard <= 0 {
		c.guard = defaultGuardWindow
	}
	if c.now == nil {
		c.now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c.logger = logger.With().Str("component", "playback").Logger()
	return c
}

// Target is where the player should be for a command stamped at timestamp
// and observed at nowMs. Only play is latency-compensated: pause and seek
// name an exact position.
func Target(cmd model.PlaybackCommand, position float64, timestamp, nowMs int64) float64 {
	if cmd != model.CommandPlay {
		return position
	}
	latency := float64(nowMs-timestamp) / 1000
	if latency < 0 {
		latency = 0
	}
	return position + latency
}

func (c *Coordinator) SetHost(isHost bool) {
	c.mx.Lock()
	c.isHost = isHost
	c.mx.Unlock()
}

func (c *Coordinator) IsHost() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.isHost
}

// State returns the last known room timeline.
func (c *Coordinator) State() model.PlaybackState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Apply reconciles the player with a command received from the room.
func (c *Coordinator) Apply(cmd model.PlaybackCommand, ctl model.VideoControl) {
	nowMs := c.clock.NowMs()
	target := Target(cmd, ctl.CurrentTime, ctl.Timestamp, nowMs)

	c.mx.Lock()
	c.state.CurrentTime = ctl.CurrentTime
	c.state.LastChangeServerTime = ctl.Timestamp
	switch cmd {
	case model.CommandPlay:
		c.state.IsPlaying = true
	case model.CommandPause:
		c.state.IsPlaying = false
	}
	playing := c.state.IsPlaying
	c.mx.Unlock()

	c.logger.Debug().
		Str("cmd", string(cmd)).
		Float64("position", ctl.CurrentTime).
		Float64("target", target).
		Int64("latencyMs", nowMs-ctl.Timestamp).
		Msg("applying room command")
	c.reconcile(target, playing)
}

// ApplyState reconciles with a full timeline snapshot, e.g. on joining.
// A playing timeline is extrapolated to the current relay time.
func (c *Coordinator) ApplyState(state model.PlaybackState) {
	c.mx.Lock()
	c.state = state
	c.mx.Unlock()

	c.reconcile(state.PositionAt(c.clock.NowMs()), state.IsPlaying)
}

// ResetTimeline handles a new video URL: paused at zero.
func (c *Coordinator) ResetTimeline(url string) {
	c.ApplyState(model.PlaybackState{URL: url, LastChangeServerTime: c.clock.NowMs()})
}

func (c *Coordinator) reconcile(target float64, playing bool) {
	if math.Abs(c.player.Position()-target) > c.tolerance {
		c.arm()
		c.player.Seek(target)
	}
	if playing != c.player.Playing() {
		c.arm()
		if playing {
			c.player.Play()
		} else {
			c.player.Pause()
		}
	}
}

func (c *Coordinator) arm() {
	c.mx.Lock()
	c.guardUntil = c.now().Add(c.guard)
	c.mx.Unlock()
}

// Syncing reports whether a correction is in progress.
func (c *Coordinator) Syncing() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now().Before(c.guardUntil)
}

// HandlePlayerEvent is wired to the player's own events. Events caused by a
// correction, and any event while not host, are not published.
func (c *Coordinator) HandlePlayerEvent(ctx context.Context, kind EventKind) error {
	if c.Syncing() {
		c.logger.Trace().Int("event", int(kind)).Msg("player event suppressed during sync")
		return nil
	}
	if !c.IsHost() {
		return nil
	}

	var cmd model.PlaybackCommand
	switch kind {
	case EventPlay:
		cmd = model.CommandPlay
	case EventPause:
		cmd = model.CommandPause
	default:
		cmd = model.CommandSeek
	}
	position := c.player.Position()
	ts := c.clock.NowMs()

	c.mx.Lock()
	c.state.CurrentTime = position
	c.state.LastChangeServerTime = ts
	if cmd != model.CommandSeek {
		c.state.IsPlaying = cmd == model.CommandPlay
	}
	c.mx.Unlock()

	return c.publisher.Publish(ctx, cmd, position, ts)
}
