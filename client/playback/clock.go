// Package playback keeps a local player in step with a room's timeline.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultSamples      = 5
	defaultSyncInterval = 30 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

var ErrNoSamples = errors.New("no clock samples")

// Prober returns the relay's current time in milliseconds.
type Prober interface {
	ProbeClock(ctx context.Context) (int64, error)
}

type ClockConfig struct {
	Logger   *zerolog.Logger
	Prober   Prober
	Samples  int
	Interval time.Duration
	Now      func() time.Time
}

// Clock estimates the offset between the local clock and the relay's.
// Until a sync succeeds the offset is zero and the local clock is trusted.
type Clock struct {
	prober   Prober
	samples  int
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mx     sync.RWMutex
	offset time.Duration
	rtt    time.Duration
	synced bool
}

func NewClock(cfg ClockConfig) *Clock {
	c := &Clock{
		prober:   cfg.Prober,
		samples:  cfg.Samples,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if c.samples <= 0 {
		c.samples = defaultSamples
	}
	if c.interval <= 0 {
		c.interval = defaultSyncInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c.logger = logger.With().Str("component", "clock").Logger()
	return c
}

// Estimate applies the midpoint estimator to one probe.
func Estimate(t0, t1 time.Time, serverMs int64) (offset, rtt time.Duration) {
	rtt = t1.Sub(t0)
	mid := t1.Add(-rtt / 2)
	return time.UnixMilli(serverMs).Sub(mid), rtt
}

// Sync probes the relay several times and keeps the sample with the
// smallest round trip. On failure the previous offset stays in effect.
func (c *Clock) Sync(ctx context.Context) error {
	var (
		best  time.Duration
		bestR time.Duration = -1
		errs  []error
	)
	for i := 0; i < c.samples; i++ {
		pctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		t0 := c.now()
		serverMs, err := c.prober.ProbeClock(pctx)
		t1 := c.now()
		cancel()
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		offset, rtt := Estimate(t0, t1, serverMs)
		if bestR < 0 || rtt < bestR {
			best, bestR = offset, rtt
		}
	}
	if bestR < 0 {
		err := errors.Join(append([]error{ErrNoSamples}, errs...)...)
		c.logger.Warn().Err(err).Dur("offset", c.Offset()).Msg("clock sync failed, keeping previous offset")
		return err
	}

	c.mx.Lock()
	c.offset, c.rtt, c.synced = best, bestR, true
	c.mx.Unlock()
	c.logger.Debug().Dur("offset", best).Dur("rtt", bestR).Msg("clock synced")
	return nil
}

// Run syncs immediately and then on every interval until ctx is done.
func (c *Clock) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	_ = c.Sync(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Sync(ctx)
		}
	}
}

func (c *Clock) Offset() time.Duration {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.offset
}

func (c *Clock) RTT() time.Duration {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.rtt
}

func (c *Clock) Synced() bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.synced
}

// Now is the local time shifted onto the relay's clock.
func (c *Clock) Now() time.Time {
	return c.now().Add(c.Offset())
}

func (c *Clock) NowMs() int64 {
	return c.Now().UnixMilli()
}
