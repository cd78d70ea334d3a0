// window_cleanup.go implements the WindowCleanupJob background job, which periodically
// deletes rate limit windows that ended more than the retention horizon ago. Counting
// never depends on the sweep: expired windows are simply never matched again, so a
// missed run only delays reclaiming storage.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinel-security/sentinel/internal/safego"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

// DefaultWindowCleanupInterval is used when NewWindowCleanupJob receives a zero interval.
const DefaultWindowCleanupInterval = 10 * time.Minute

// WindowCleaner deletes expired rate limit windows. *ratelimit.Limiter implements it.
type WindowCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// WindowCleanupJob periodically purges expired rate limit windows.
type WindowCleanupJob struct {
	cleaner  WindowCleaner
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWindowCleanupJob creates a new window cleanup job
func NewWindowCleanupJob(cleaner WindowCleaner, interval time.Duration) *WindowCleanupJob {
	if interval <= 0 {
		interval = DefaultWindowCleanupInterval
	}
	return &WindowCleanupJob{
		cleaner:  cleaner,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup loop. It runs one sweep immediately, then repeats
// on the configured interval until ctx is cancelled or Stop() is called.
func (j *WindowCleanupJob) Start(ctx context.Context) {
	slog.Info("starting rate limit window cleanup job", "interval", j.interval)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer safego.Recover("window-cleanup")

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		// Run initial sweep immediately
		j.runOnce(ctx)

		for {
			select {
			case <-ticker.C:
				j.runOnce(ctx)
			case <-j.stopCh:
				slog.Info("rate limit window cleanup job stopped")
				return
			case <-ctx.Done():
				slog.Info("rate limit window cleanup job context cancelled")
				return
			}
		}
	}()
}

// Stop stops the cleanup job and waits for an in-flight sweep to finish.
func (j *WindowCleanupJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *WindowCleanupJob) runOnce(ctx context.Context) {
	n, err := j.cleaner.Cleanup(ctx)
	if err != nil {
		slog.Warn("rate limit window cleanup failed", "error", err)
		return
	}
	if n > 0 {
		telemetry.SweepDeletedTotal.WithLabelValues("rate_limit_windows").Add(float64(n))
		slog.Debug("purged expired rate limit windows", "count", n)
	}
}
