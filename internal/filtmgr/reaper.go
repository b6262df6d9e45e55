package filtmgr

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/armon/bloomd/internal/metrics"
)

// pollInterval is how often the reaper samples head.vsn (spec's "once per
// second" cadence). It is not configurable: only the cooldown is.
const pollInterval = time.Second

// reaper is the single long-lived worker that retires cold predecessor
// versions and finalizes tombstoned filters, per the manager's §4.5
// contract. It never blocks a serving thread: it only ever touches
// versions once they have already been detached from the chain a reader
// could still be sampling.
type reaper struct {
	cooldown time.Duration
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics

	headOf func() *directoryVersion

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastSeenVsn uint64
}

func newReaper(headOf func() *directoryVersion, cooldown time.Duration, logger logrus.FieldLogger, m *metrics.Metrics) *reaper {
	return &reaper{
		headOf:   headOf,
		cooldown: cooldown,
		logger:   logger,
		metrics:  m,
	}
}

// start launches the reaper's goroutine. It is a no-op if already running.
func (r *reaper) start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true

	go r.loop(r.stopCh, r.doneCh)
}

func (r *reaper) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.tick(stopCh)
		}
	}
}

// tick implements the reaper's per-cycle body from §4.5 steps 1-4.
func (r *reaper) tick(stopCh chan struct{}) {
	head := r.headOf()
	if head.vsn == r.lastSeenVsn {
		return
	}
	r.lastSeenVsn = head.vsn

	old := head.prev
	head.prev = nil
	if old == nil {
		return
	}

	r.reap(old, stopCh)
}

// reap destroys v and everything older than it, oldest first, per §4.5's
// Reap(v) algorithm.
func (r *reaper) reap(v *directoryVersion, stopCh chan struct{}) {
	if v.prev != nil {
		r.reap(v.prev, stopCh)
	}

	if !r.cooldownWait(v, stopCh) {
		// Stop was requested mid-cooldown; a reader may still hold a
		// reference into this version. Leave it be rather than risk a
		// use-after-free on shutdown -- the process is exiting anyway.
		return
	}

	if v.tombstone != nil {
		if err := v.tombstone.destroy(); err != nil {
			r.logger.WithError(err).Warn("failed to finalize dropped filter")
		}
		r.metrics.FilterRemoved()
	}

	v.entries = nil
	r.metrics.VersionReclaimed()
}

// cooldownWait blocks until a full cooldown period passes with v.isHot
// still false, reporting true. It reports false if stop was requested
// mid-wait, matching the requirement that an in-progress cooldown sleep
// can be interrupted by shutdown.
func (r *reaper) cooldownWait(v *directoryVersion, stopCh chan struct{}) bool {
	for {
		v.isHot.Store(false)

		select {
		case <-stopCh:
			return false
		case <-time.After(r.cooldown):
		}

		if !v.isHot.Load() {
			return true
		}
	}
}

// stop requests the reaper to exit, interrupting any in-progress cooldown
// sleep, and returns a channel closed once the loop has actually exited.
func (r *reaper) stop() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		done := make(chan struct{})
		close(done)
		return done
	}

	close(r.stopCh)
	r.running = false
	return r.doneCh
}

// stopAndWait stops the reaper and waits for it to exit or ctx to expire.
func (r *reaper) stopAndWait(ctx context.Context) error {
	done := r.stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
