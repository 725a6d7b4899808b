package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// windowLimiter admits at most limit starts in any rolling interval. It
// remembers the last limit start times; a new start is admitted once the
// oldest of them has left the window.
type windowLimiter struct {
	interval time.Duration
	limit    int
	clock    clockwork.Clock

	mu     sync.Mutex
	starts []time.Time
}

func newWindowLimiter(interval time.Duration, limit int, clock clockwork.Clock) *windowLimiter {
	return &windowLimiter{
		interval: interval,
		limit:    limit,
		clock:    clock,
		starts:   make([]time.Time, 0, limit),
	}
}

// Wait blocks until a start is admitted and records it. Returns an error
// only if ctx ends first.
func (l *windowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		if len(l.starts) < l.limit {
			l.starts = append(l.starts, now)
			l.mu.Unlock()
			return nil
		}
		delay := l.starts[0].Add(l.interval).Sub(now)
		if delay <= 0 {
			l.starts = append(l.starts[1:], now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-l.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Undo returns the most recent admission to the window, for a start that
// was admitted but never made.
func (l *windowLimiter) Undo() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.starts); n > 0 {
		l.starts = l.starts[:n-1]
	}
}
