// Package sched provides cancelable timers behind a small interface so that
// reconnect backoff, heartbeats and registry sweeps can run on a fake clock
// in tests.
package sched

import (
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents any future firing. It reports whether a pending firing was cancelled.
	Stop() bool
}

// Scheduler runs callbacks after a delay or on an interval.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Every(d time.Duration, f func()) Timer
}

// Real returns a Scheduler backed by the runtime clock.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realScheduler) Every(d time.Duration, f func()) Timer {
	t := &ticker{
		t:    time.NewTicker(d),
		stop: make(chan struct{}),
	}
	go t.loop(f)
	return t
}

type ticker struct {
	t    *time.Ticker
	stop chan struct{}
	once sync.Once
}

func (t *ticker) loop(f func()) {
	for {
		select {
		case <-t.stop:
			return
		case <-t.t.C:
			f()
		}
	}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.t.Stop()
		close(t.stop)
		stopped = true
	})
	return stopped
}
