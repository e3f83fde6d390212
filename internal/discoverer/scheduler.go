package discoverer

import (
	"context"
	"time"

	"nexus/pkg/logging"
)

// DefaultInterval is the base spec §4.4 default refresh interval (5 min).
const DefaultInterval = 5 * time.Minute

// Scheduler wraps a Discoverer to run discovery immediately and thereafter
// on a fixed interval for every currently-configured upstream. Errors from
// one upstream's discovery never stop the schedule for the others (base
// spec §4.4).
type Scheduler struct {
	d        *Discoverer
	interval time.Duration
	onError  func(upstream string, err error)
}

// NewScheduler creates a refresh scheduler. A non-positive interval is
// replaced with DefaultInterval.
func NewScheduler(d *Discoverer, interval time.Duration, onError func(string, error)) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{d: d, interval: interval, onError: onError}
}

// Run blocks, discovering every name returned by upstreams() immediately
// and again on each tick, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, upstreams func() []string) {
	s.runOnce(ctx, upstreams())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, upstreams())
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, names []string) {
	for _, name := range names {
		if err := s.d.Discover(ctx, name); err != nil {
			logging.Warn("discoverer", "refresh of %q failed: %v", name, err)
			if s.onError != nil {
				s.onError(name, err)
			}
		}
	}
}
