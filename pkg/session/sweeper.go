package session

import (
	"context"
	"sync"
	"time"
)

// Sweeper periodically expires idle sessions from a Registry.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper ticking at the registry's SweepInterval.
func NewSweeper(r *Registry) *Sweeper {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		registry: r,
		interval: interval,
		now:      r.now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop in the background. Call Stop to terminate.
func (s *Sweeper) Start() {
	go func() { _ = s.Run(context.Background()) }()
}

// Stop terminates the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run sweeps until ctx is done or Stop is called.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce executes a single sweep and returns the number of sessions
// expired.
func (s *Sweeper) RunOnce() int {
	return s.registry.ExpireIdle(s.now())
}
