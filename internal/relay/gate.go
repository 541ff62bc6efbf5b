package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate paces sends per destination chat. It is shared by every task so
// that channels relaying into the same chat respect one limit, and a
// flood wait reported to one task pauses all of them.
type Gate struct {
	clock Clock
	limit rate.Limit
	burst int

	mu    sync.Mutex
	dests map[string]*destGate
}

type destGate struct {
	lim          *rate.Limiter
	blockedUntil time.Time
}

// NewGate allows perSec sends per destination with the given burst.
// perSec <= 0 disables pacing; flood waits still apply.
func NewGate(clock Clock, perSec float64, burst int) *Gate {
	if clock == nil {
		clock = RealClock()
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Gate{clock: clock, limit: limit, burst: burst, dests: map[string]*destGate{}}
}

func (g *Gate) get(dest string) *destGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.dests[dest]
	if d == nil {
		d = &destGate{lim: rate.NewLimiter(g.limit, g.burst)}
		g.dests[dest] = d
	}
	return d
}

// Wait blocks until a send to dest is allowed or ctx is done.
func (g *Gate) Wait(ctx context.Context, dest string) error {
	d := g.get(dest)
	for {
		now := g.clock.Now()
		if until := g.BlockedUntil(dest); now.Before(until) {
			if err := g.clock.Sleep(ctx, until.Sub(now)); err != nil {
				return err
			}
			continue
		}

		r := d.lim.ReserveN(now, 1)
		if !r.OK() {
			return context.DeadlineExceeded
		}
		if wait := r.DelayFrom(now); wait > 0 {
			if err := g.clock.Sleep(ctx, wait); err != nil {
				r.CancelAt(g.clock.Now())
				return err
			}
		}
		// A flood wait may have been reported while we slept.
		if g.clock.Now().Before(g.BlockedUntil(dest)) {
			continue
		}
		return ctx.Err()
	}
}

// Block holds every send to dest until the given time. Earlier deadlines
// than the current one are ignored.
func (g *Gate) Block(dest string, until time.Time) {
	d := g.get(dest)
	g.mu.Lock()
	if until.After(d.blockedUntil) {
		d.blockedUntil = until
	}
	g.mu.Unlock()
}

func (g *Gate) BlockedUntil(dest string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := g.dests[dest]; d != nil {
		return d.blockedUntil
	}
	return time.Time{}
}
