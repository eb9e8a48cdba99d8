// Package lifecycle holds process-wide serving state shared by handlers.
package lifecycle

import "sync/atomic"

// Lifecycle flips to draining at the start of graceful shutdown. Readiness
// then fails and new demo sessions are refused while existing ones finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
