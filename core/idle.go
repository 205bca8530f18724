package core

import (
	"context"
	"sync"
	"time"
)

// idleWatch tracks user activity and drives the presence prompt and the inactivity ban.
type idleWatch struct {
	threshold time.Duration
	window    time.Duration
	interval  time.Duration
	now       func() time.Time
	onPrompt  func(deadline time.Time)
	onClear   func()
	onBan     func()

	mu        sync.Mutex
	last      time.Time
	prompting bool
	deadline  time.Time
}

// touch records activity and withdraws an open presence prompt.
func (w *idleWatch) touch() {
	w.mu.Lock()
	w.last = w.now()
	wasPrompting := w.prompting
	w.prompting = false
	w.deadline = time.Time{}
	w.mu.Unlock()
	if wasPrompting && w.onClear != nil {
		w.onClear()
	}
}

// check evaluates the timers at now. It is called by the watch loop and by tests.
func (w *idleWatch) check(now time.Time) {
	w.mu.Lock()
	switch {
	case !w.prompting && now.Sub(w.last) >= w.threshold:
		w.prompting = true
		w.deadline = now.Add(w.window)
		deadline := w.deadline
		w.mu.Unlock()
		if w.onPrompt != nil {
			w.onPrompt(deadline)
		}
		return
	case w.prompting && !now.Before(w.deadline):
		w.prompting = false
		w.deadline = time.Time{}
		w.last = now
		w.mu.Unlock()
		if w.onBan != nil {
			w.onBan()
		}
		return
	}
	w.mu.Unlock()
}

// pending returns the ban deadline of an open prompt.
func (w *idleWatch) pending() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline, w.prompting
}

// run checks the timers every interval until ctx ends.
func (w *idleWatch) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(w.now())
		}
	}
}
