// Package poll implements the wait loop shared by blocking reads and blocking
// opens: try, sleep, beat the heartbeat, give up at a deadline.
package poll

import (
	"context"
	"time"

	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
)

// DefaultInterval is the local-file poll period.
const DefaultInterval = 10 * time.Millisecond

// Attempt is one try. It returns done=true when the wait is over.
type Attempt func(ctx context.Context) (done bool, err error)

// Poller repeats an Attempt until it succeeds, fails, the context is
// cancelled, or Timeout elapses. A zero Timeout waits forever.
type Poller struct {
	Interval  time.Duration
	Timeout   time.Duration
	Heartbeat interfaces.Heartbeat
	Label     string

	// now and sleep are replaced in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Poller with the given interval and timeout.
func New(interval, timeout time.Duration, heartbeat interfaces.Heartbeat, label string) *Poller {
	return &Poller{
		Interval:  interval,
		Timeout:   timeout,
		Heartbeat: heartbeat,
		Label:     label,
	}
}

// Run calls attempt until it reports done. The heartbeat is called after
// every unsuccessful attempt, before sleeping. Run returns errors.ErrTimeout
// when the deadline passes and ctx.Err() on cancellation.
func (p *Poller) Run(ctx context.Context, attempt Attempt) error {
	now := p.now
	if now == nil {
		now = time.Now
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var deadline time.Time
	if p.Timeout > 0 {
		deadline = now().Add(p.Timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := attempt(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if p.Heartbeat != nil {
			p.Heartbeat(p.Label)
		}

		wait := interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(now())
			if remaining <= 0 {
				return fmqerrors.ErrTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Until is a convenience for a single Run with a fresh Poller.
func Until(ctx context.Context, interval, timeout time.Duration, heartbeat interfaces.Heartbeat, label string, attempt Attempt) error {
	return New(interval, timeout, heartbeat, label).Run(ctx, attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
