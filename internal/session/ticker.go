package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// Ticker drives the countdown display. The display tick is not the
// authoritative deadline check, but a tick that reaches zero while
// foregrounded funnels into the same forced submission as a resume-check hit.
type Ticker struct {
	manager  *Manager
	interval time.Duration
	onTick   func(remaining time.Duration)
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTicker starts ticking immediately. onTick may be nil when only the
// zero-crossing behavior is wanted. Call Stop when the test screen unmounts
// or a submission completes.
func NewTicker(ctx context.Context, manager *Manager, interval time.Duration, onTick func(remaining time.Duration)) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Ticker{
		manager:  manager,
		interval: interval,
		onTick:   onTick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

// Stop cancels the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !t.manager.Active() {
				return
			}
			remaining := t.manager.Remaining()
			if t.onTick != nil {
				t.onTick(remaining)
			}
			if remaining <= 0 {
				if err := t.manager.ForceSubmit(ctx, true); err != nil {
					log.Printf("deadline submit: %v", err)
				}
				return
			}
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
