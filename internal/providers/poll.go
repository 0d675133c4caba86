package providers

import (
	"context"
	"errors"
	"time"
)

// ErrPollDeadline is returned when a poll loop exceeds its deadline.
// Callers wrap it with a model-specific message.
var ErrPollDeadline = errors.New("poll deadline exceeded")

const (
	defaultPollInterval = time.Second
	defaultPollDeadline = 5 * time.Minute
)

// Poller runs a fixed-interval poll loop with an overall deadline.
// Now and Sleep are injectable for tests.
type Poller struct {
	Interval time.Duration
	Deadline time.Duration
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a poller with the default 1s interval and 5m deadline.
func NewPoller() *Poller {
	return &Poller{
		Interval: defaultPollInterval,
		Deadline: defaultPollDeadline,
		Now:      time.Now,
		Sleep:    sleepCtx,
	}
}

// Poll invokes fn until it reports done, the deadline passes, or the
// context is cancelled. fn is called once immediately before any sleep.
func (p *Poller) Poll(ctx context.Context, fn func(ctx context.Context) (done bool, err error)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := p.Deadline
	if deadline <= 0 {
		deadline = defaultPollDeadline
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	start := now()
	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if now().Sub(start) > deadline {
			return ErrPollDeadline
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
