package sched

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Scheduler. Due callbacks run synchronously on the
// goroutine calling Advance, in due-time order, with no lock held.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFake returns a Fake whose clock starts at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	f      *Fake
	due    time.Time
	every  time.Duration
	fn     func()
	seq    int
	active bool
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc arms a one-shot timer.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.add(d, 0, fn)
}

// Every arms a repeating timer.
func (f *Fake) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic("sched: non-positive interval")
	}
	return f.add(d, d, fn)
}

func (f *Fake) add(d, every time.Duration, fn func()) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, due: f.now.Add(d), every: every, fn: fn, seq: f.seq, active: true}
	f.timers = append(f.timers, t)
	return t
}

// Stop disarms the timer.
func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	was := t.active
	t.active = false
	t.f.prune()
	return was
}

// prune drops inactive timers. Must be called with mu held.
func (f *Fake) prune() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if t.active {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(f.timers); i++ {
		f.timers[i] = nil
	}
	f.timers = live
}

// Advance moves the clock forward by d, firing every callback that becomes due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.earliest(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.due
		if next.every > 0 {
			next.due = next.due.Add(next.every)
		} else {
			next.active = false
			f.prune()
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

// earliest returns the first active timer due at or before target. Must be called with mu held.
func (f *Fake) earliest(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range f.timers {
		if !t.active || t.due.After(target) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Delays returns the remaining delay of every armed timer, shortest first.
func (f *Fake) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, 0, len(f.timers))
	for _, t := range f.timers {
		out = append(out, t.due.Sub(f.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
