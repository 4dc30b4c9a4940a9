// Package lifecycle holds process state shared between the server, the
// readiness probe and the call-start handler.
package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle tracks whether the process is draining. While draining, readiness
// reports unavailable and new calls are refused; calls already running are
// ended by the shutdown path.
type Lifecycle struct {
	now func() time.Time

	mu            sync.RWMutex
	draining      bool
	drainingSince time.Time
}

func New(now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{now: now}
}

// SetDraining flips the draining flag. The drain start time is kept from the
// first transition so repeated signals do not reset it.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case draining && !l.draining:
		l.drainingSince = l.clock()
	case !draining:
		l.drainingSince = time.Time{}
	}
	l.draining = draining
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.draining
}

type Status struct {
	Draining      bool       `json:"draining"`
	DrainingSince *time.Time `json:"draining_since,omitempty"`
}

func (l *Lifecycle) Status() Status {
	if l == nil {
		return Status{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{Draining: l.draining}
	if l.draining {
		since := l.drainingSince
		st.DrainingSince = &since
	}
	return st
}

func (l *Lifecycle) clock() time.Time {
	if l.now == nil {
		return time.Now()
	}
	return l.now()
}
