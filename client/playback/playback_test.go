package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTime is a manually advanced clock.
type fakeTime struct {
	mx sync.Mutex
	t  time.Time
}

func newFakeTime() *fakeTime {
	return &fakeTime{t: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeTime) Now() time.Time {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.t
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mx.Lock()
	f.t = f.t.Add(d)
	f.mx.Unlock()
}

// scriptedProber answers with server = local + skew, taking rtts[i] per call.
type scriptedProber struct {
	clock *fakeTime
	skew  time.Duration
	rtts  []time.Duration
	fail  bool
	calls int
}

func (p *scriptedProber) ProbeClock(context.Context) (int64, error) {
	if p.fail {
		return 0, errors.New("relay unreachable")
	}
	rtt := p.rtts[p.calls%len(p.rtts)]
	p.calls++
	p.clock.Advance(rtt / 2)
	server := p.clock.Now().Add(p.skew).UnixMilli()
	p.clock.Advance(rtt / 2)
	return server, nil
}

type fixedClock int64

func (f fixedClock) NowMs() int64 { return int64(f) }

type recordingPublisher struct {
	mx   sync.Mutex
	cmds []model.PlaybackCommand
}

func (r *recordingPublisher) Publish(_ context.Context, cmd model.PlaybackCommand, _ float64, _ int64) error {
	r.mx.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mx.Unlock()
	return nil
}

func (r *recordingPublisher) Commands() []model.PlaybackCommand {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.PlaybackCommand(nil), r.cmds...)
}

func TestEstimate(t *testing.T) {
	t0 := time.UnixMilli(1000)
	t1 := time.UnixMilli(1200)
	offset, rtt := Estimate(t0, t1, 5100)
	assert.Equal(t, 200*time.Millisecond, rtt)
	// midpoint is 1100, server says 5100
	assert.Equal(t, 4*time.Second, offset)
}

func TestClock_SyncPicksMinimumRTT(t *testing.T) {
	ft := newFakeTime()
	prober := &scriptedProber{
		clock: ft,
		skew:  2 * time.Second,
		rtts:  []time.Duration{400 * time.Millisecond, 20 * time.Millisecond, 300 * time.Millisecond},
	}
	c := NewClock(ClockConfig{Prober: prober, Samples: 3, Now: ft.Now})
	assert.Zero(t, c.Offset())
	assert.False(t, c.Synced())

	require.NoError(t, c.Sync(context.Background()))
	assert.True(t, c.Synced())
	assert.Equal(t, 20*time.Millisecond, c.RTT())
	assert.InDelta(t, float64(2*time.Second), float64(c.Offset()), float64(time.Millisecond))
	assert.InDelta(t, ft.Now().Add(2*time.Second).UnixMilli(), c.NowMs(), 1)
}

func TestClock_FailureKeepsOffset(t *testing.T) {
	ft := newFakeTime()
	prober := &scriptedProber{clock: ft, skew: -time.Second, rtts: []time.Duration{10 * time.Millisecond}}
	c := NewClock(ClockConfig{Prober: prober, Samples: 2, Now: ft.Now})
	require.NoError(t, c.Sync(context.Background()))
	before := c.Offset()

	prober.fail = true
	err := c.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNoSamples)
	assert.Equal(t, before, c.Offset())
}

func TestClock_UnsyncedIsLocal(t *testing.T) {
	ft := newFakeTime()
	c := NewClock(ClockConfig{Prober: &scriptedProber{fail: true}, Now: ft.Now})
	assert.Error(t, c.Sync(context.Background()))
	assert.Equal(t, ft.Now().UnixMilli(), c.NowMs())
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name string
		cmd  model.PlaybackCommand
		pos  float64
		ts   int64
		now  int64
		want float64
	}{
		{"play compensated", model.CommandPlay, 10, 1000, 1750, 10.75},
		{"pause exact", model.CommandPause, 10, 1000, 1750, 10},
		{"seek exact", model.CommandSeek, 42.5, 1000, 9000, 42.5},
		{"future stamp clamps", model.CommandPlay, 10, 2000, 1000, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Target(tt.cmd, tt.pos, tt.ts, tt.now), 1e-9)
		})
	}
}

func TestCoordinator_ApplyCompensatesPlay(t *testing.T) {
	ft := newFakeTime()
	player := NewVirtualPlayer(ft.Now)
	c := NewCoordinator(CoordinatorConfig{Player: player, Clock: fixedClock(5000), Publisher: &recordingPublisher{}, Now: ft.Now})

	c.Apply(model.CommandPlay, model.VideoControl{CurrentTime: 30, Timestamp: 3000})
	assert.True(t, player.Playing())
	assert.InDelta(t, 32.0, player.Position(), 1e-9)
	assert.True(t, c.State().IsPlaying)

	// within tolerance: no seek
	ft.Advance(time.Second)
	c.Apply(model.CommandSeek, model.VideoControl{CurrentTime: 33.5, Timestamp: 5000})
	assert.InDelta(t, 33.0, player.Position(), 1e-9)

	c.Apply(model.CommandPause, model.VideoControl{CurrentTime: 40, Timestamp: 5000})
	assert.False(t, player.Playing())
	assert.InDelta(t, 40.0, player.Position(), 1e-9)
}

func TestCoordinator_GuardSuppressesEcho(t *testing.T) {
	ft := newFakeTime()
	player := NewVirtualPlayer(ft.Now)
	pub := &recordingPublisher{}
	c := NewCoordinator(CoordinatorConfig{
		Player:      player,
		Clock:       fixedClock(5000),
		Publisher:   pub,
		GuardWindow: 100 * time.Millisecond,
		Now:         ft.Now,
	})
	c.SetHost(true)
	player.OnEvent(func(kind EventKind) {
		require.NoError(t, c.HandlePlayerEvent(context.Background(), kind))
	})

	// corrections fire play and seeked events, none are published
	c.Apply(model.CommandPlay, model.VideoControl{CurrentTime: 12, Timestamp: 5000})
	assert.True(t, c.Syncing())
	assert.Empty(t, pub.Commands())

	// a real user action after the guard expires is published
	ft.Advance(200 * time.Millisecond)
	assert.False(t, c.Syncing())
	player.Pause()
	assert.Equal(t, []model.PlaybackCommand{model.CommandPause}, pub.Commands())
}

func TestCoordinator_NonHostDoesNotPublish(t *testing.T) {
	ft := newFakeTime()
	player := NewVirtualPlayer(ft.Now)
	pub := &recordingPublisher{}
	c := NewCoordinator(CoordinatorConfig{Player: player, Clock: fixedClock(0), Publisher: pub, Now: ft.Now})
	player.OnEvent(func(kind EventKind) {
		_ = c.HandlePlayerEvent(context.Background(), kind)
	})

	player.Play()
	player.Seek(10)
	assert.Empty(t, pub.Commands())
}

func TestCoordinator_LateJoinExtrapolates(t *testing.T) {
	ft := newFakeTime()
	player := NewVirtualPlayer(ft.Now)
	c := NewCoordinator(CoordinatorConfig{Player: player, Clock: fixedClock(20_000), Publisher: &recordingPublisher{}, Now: ft.Now})

	c.ApplyState(model.PlaybackState{IsPlaying: true, CurrentTime: 100, LastChangeServerTime: 15_000})
	assert.True(t, player.Playing())
	assert.InDelta(t, 105.0, player.Position(), 1e-9)

	c.ResetTimeline("https://example.org/v.mp4")
	assert.False(t, player.Playing())
	assert.Zero(t, player.Position())
	assert.Equal(t, "https://example.org/v.mp4", c.State().URL)
}
