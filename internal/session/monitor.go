package session

import (
	"context"
	"log"
	"sync"
)

// Lifecycle state labels as delivered by the process-lifecycle stream. The
// monitor only distinguishes foreground from everything else.
const (
	StateForeground = "active"
	StateBackground = "background"
)

// LifecycleSource delivers raw process-lifecycle states to a handler and
// returns an unsubscribe function.
type LifecycleSource interface {
	Subscribe(handler func(state string)) (unsubscribe func())
}

// Monitor translates lifecycle transitions into session signals: one
// violation per foreground-to-background transition while an attempt is
// active, and a resume check (warning plus deadline/threshold evaluation) on
// each return to foreground. It tracks the previous state itself rather than
// trusting the source to deliver transition pairs.
type Monitor struct {
	manager *Manager

	mu          sync.Mutex
	prev        string
	unsubscribe func()
}

func NewMonitor(manager *Manager) *Monitor {
	return &Monitor{
		manager: manager,
		prev:    StateForeground,
	}
}

// Attach registers the monitor on the lifecycle source. Exactly one listener
// is alive per attached monitor; Detach tears it down.
func (mon *Monitor) Attach(ctx context.Context, source LifecycleSource) {
	unsubscribe := source.Subscribe(func(state string) {
		mon.HandleTransition(ctx, state)
	})
	mon.mu.Lock()
	mon.unsubscribe = unsubscribe
	mon.mu.Unlock()
}

// Detach removes the listener. Safe to call more than once.
func (mon *Monitor) Detach() {
	mon.mu.Lock()
	unsubscribe := mon.unsubscribe
	mon.unsubscribe = nil
	mon.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// HandleTransition consumes one raw lifecycle state. A panic in a downstream
// hook is recovered so one bad callback cannot silence future transitions.
func (mon *Monitor) HandleTransition(ctx context.Context, next string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("lifecycle handler panic: %v", r)
		}
	}()

	mon.mu.Lock()
	prev := mon.prev
	mon.prev = next
	mon.mu.Unlock()

	// No violation accrual outside a test.
	if !mon.manager.Active() {
		return
	}

	wasForeground := prev == StateForeground
	isForeground := next == StateForeground

	switch {
	case wasForeground && !isForeground:
		// One violation per backgrounding transition, however long it lasts.
		mon.manager.RecordViolation(ctx)
	case !wasForeground && isForeground:
		// The warning must land before a threshold breach navigates away.
		mon.manager.Warn()
		if err := mon.manager.ResumeCheck(ctx); err != nil {
			log.Printf("resume check: %v", err)
		}
	}
}
