package _switch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch forwards announcements to connected endpoints by endpoint id.
// Delivery is best-effort and at-most-once: nothing is queued for endpoints
// that are offline.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	fwd     map[string]model.Wire
	timeout time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[string]model.Wire),
		timeout: defaultFwdTimout,
	}
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
}

func (sw *Switch) Disconnect(endpoint string) {
	sw.mx.Lock()
	delete(sw.fwd, endpoint)
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
}

func (sw *Switch) Online(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

// Send forwards ann to ann.DST. It reports whether the announcement was handed
// to the endpoint's transport.
func (sw *Switch) Send(ctx context.Context, ann model.Announcement) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[ann.DST]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Str("dst", ann.DST).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ann, wire, sw.timeout, &sw.logger)
	return sent
}

// Multicast forwards ann to every listed endpoint except ann.SRC when
// excludeSrc is set. It returns the number of endpoints reached.
func (sw *Switch) Multicast(ctx context.Context, ann model.Announcement, dsts []string, excludeSrc bool) int {
	type target struct {
		id   string
		wire model.Wire
	}
	targets := make([]target, 0, len(dsts))

	sw.mx.RLock()
	for _, dst := range dsts {
		if excludeSrc && dst == ann.SRC {
			continue
		}
		if wire, ok := sw.fwd[dst]; ok {
			targets = append(targets, target{id: dst, wire: wire})
		}
	}
	sw.mx.RUnlock()

	// a stuck endpoint costs one timeout for the whole fan-out
	var (
		n  atomic.Int32
		wg sync.WaitGroup
	)
	for _, t := range targets {
		out := ann
		out.DST = t.id
		wg.Add(1)
		go func(wire model.Wire) {
			defer wg.Done()
			if sent, _ := send(ctx, out, wire, sw.timeout, &sw.logger); sent {
				n.Add(1)
			}
		}(t.wire)
	}
	wg.Wait()
	if n.Load() == 0 && len(dsts) > 0 {
		sw.logger.Debug().
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("multicast did not reach anyone")
	}
	return int(n.Load())
}

// Broadcast forwards ann to every connected endpoint except its source.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement) int {
	sw.mx.RLock()
	dsts := make([]string, 0, len(sw.fwd))
	for id := range sw.fwd {
		dsts = append(dsts, id)
	}
	sw.mx.RUnlock()

	return sw.Multicast(ctx, ann, dsts, true)
}

func send(ctx context.Context, ann model.Announcement, wire model.Wire, timeout time.Duration, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-wire.Done:
		logger.Debug().Str("dst", ann.DST).Msg("endpoint is gone")
	case <-tCh.C:
		logger.Error().Str("dst", ann.DST).Msg("dead endpoint")
	case wire.TX <- ann:
		logger.Trace().Str("type", ann.Type).Str("dst", ann.DST).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
