// session_expiry.go implements the SessionExpiryJob background job, which terminates
// active sessions whose expiry has passed. Validation already refuses expired
// sessions on their next request; the sweep keeps active-session counts accurate for
// users who never come back.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinel-security/sentinel/internal/safego"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

// DefaultSessionExpiryInterval is used when NewSessionExpiryJob receives a zero interval.
const DefaultSessionExpiryInterval = 5 * time.Minute

// SessionExpirer terminates stale sessions. *session.Registry implements it.
type SessionExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) int
}

// SessionExpiryJob periodically expires stale sessions.
type SessionExpiryJob struct {
	sessions SessionExpirer
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionExpiryJob creates a new session expiry job
func NewSessionExpiryJob(sessions SessionExpirer, interval time.Duration) *SessionExpiryJob {
	if interval <= 0 {
		interval = DefaultSessionExpiryInterval
	}
	return &SessionExpiryJob{
		sessions: sessions,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic expiry loop. It runs one sweep immediately, then repeats
// on the configured interval until ctx is cancelled or Stop() is called.
func (j *SessionExpiryJob) Start(ctx context.Context) {
	slog.Info("starting session expiry job", "interval", j.interval)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer safego.Recover("session-expiry")

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.runOnce(ctx)

		for {
			select {
			case <-ticker.C:
				j.runOnce(ctx)
			case <-j.stopCh:
				slog.Info("session expiry job stopped")
				return
			case <-ctx.Done():
				slog.Info("session expiry job context cancelled")
				return
			}
		}
	}()
}

// Stop stops the expiry job and waits for an in-flight sweep to finish.
func (j *SessionExpiryJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *SessionExpiryJob) runOnce(ctx context.Context) {
	if n := j.sessions.ExpireStale(ctx, j.now()); n > 0 {
		telemetry.SweepDeletedTotal.WithLabelValues("sessions").Add(float64(n))
		slog.Info("expired stale sessions", "count", n)
	}
}
