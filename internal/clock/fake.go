package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests.
// Timers and tickers fire synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{clock: f, deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{clock: f, period: d, next: f.now.Add(d), ch: make(chan time.Time, 64)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers and tickers in
// deadline order. Callbacks run on the caller's goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		fn, at, ok := f.popNext(target)
		if !ok {
			break
		}
		f.mu.Lock()
		if at.After(f.now) {
			f.now = at
		}
		f.mu.Unlock()
		if fn != nil {
			fn()
		}
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// popNext removes and returns the earliest timer/ticker firing at or before
// target. Ticker fires deliver on the channel and reschedule themselves.
func (f *Fake) popNext(target time.Time) (func(), time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.Slice(f.timers, func(i, j int) bool { return f.timers[i].deadline.Before(f.timers[j].deadline) })

	var bestTimer *fakeTimer
	if len(f.timers) > 0 && !f.timers[0].deadline.After(target) {
		bestTimer = f.timers[0]
	}

	var bestTicker *fakeTicker
	for _, tk := range f.tickers {
		if tk.stopped || tk.next.After(target) {
			continue
		}
		if bestTicker == nil || tk.next.Before(bestTicker.next) {
			bestTicker = tk
		}
	}

	switch {
	case bestTimer == nil && bestTicker == nil:
		return nil, time.Time{}, false
	case bestTimer != nil && (bestTicker == nil || !bestTicker.next.Before(bestTimer.deadline)):
		f.timers = f.timers[1:]
		return bestTimer.fn, bestTimer.deadline, true
	default:
		at := bestTicker.next
		bestTicker.next = at.Add(bestTicker.period)
		select {
		case bestTicker.ch <- at:
		default: // receiver not keeping up, drop like time.Ticker does
		}
		return nil, at, true
	}
}

func (f *Fake) removeTimer(t *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cand := range f.timers {
		if cand == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
}

func (t *fakeTimer) Stop() bool { return t.clock.removeTimer(t) }

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
