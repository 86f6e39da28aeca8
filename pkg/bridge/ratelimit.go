package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter spaces calls at least 60/rpm seconds apart. A burst of one lets the
// first call through immediately; rpm 0 disables spacing.
type limiter struct {
	mu       sync.Mutex
	rpm      int
	lim      *rate.Limiter
	lastCall time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration)
}

func newLimiter(rpm int) *limiter {
	l := &limiter{now: time.Now, sleep: sleepCtx}
	l.set(rpm)
	return l
}

// set changes the budget. The previous call still counts against the new spacing.
func (l *limiter) set(rpm int) {
	if rpm < 0 {
		rpm = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm == l.rpm && (rpm == 0 || l.lim != nil) {
		return
	}
	l.rpm = rpm
	l.lim = nil
	if rpm == 0 {
		return
	}
	l.lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	if !l.lastCall.IsZero() {
		l.lim.ReserveN(l.lastCall, 1)
	}
}

// wait reserves the next slot and sleeps until it opens. It returns the time slept.
func (l *limiter) wait(ctx context.Context) time.Duration {
	l.mu.Lock()
	now := l.now()
	var delay time.Duration
	if l.lim != nil {
		delay = l.lim.ReserveN(now, 1).DelayFrom(now)
	}
	l.lastCall = now.Add(delay)
	sleep := l.sleep
	l.mu.Unlock()
	if delay > 0 {
		sleep(ctx, delay)
	}
	return delay
}

func (l *limiter) last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCall
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
