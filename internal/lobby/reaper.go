package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/parlor/internal/logging"
	"github.com/zulandar/parlor/internal/session"
)

const (
	// DefaultIdleTimeout is how long a user may stay silent before their
	// session is reaped.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultReaperSchedule runs a sweep every five minutes.
	DefaultReaperSchedule = "@every 5m"
)

// scheduleParser accepts standard 5-field cron expressions and descriptors
// such as "@every 5m" or "@hourly".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a reaper schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("lobby: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Closer closes a user's session.
type Closer interface {
	Close(ctx context.Context, userID string, reason CloseReason) bool
}

// Reaper periodically closes sessions whose owner has been idle too long.
type Reaper struct {
	closer   Closer
	store    *session.Store
	idle     time.Duration
	schedule cron.Schedule
	logger   *slog.Logger
}

// ReaperOpts holds parameters for creating a Reaper.
type ReaperOpts struct {
	Closer      Closer
	Store       *session.Store
	IdleTimeout time.Duration // defaults to DefaultIdleTimeout
	Schedule    string        // defaults to DefaultReaperSchedule
	Logger      *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(opts ReaperOpts) (*Reaper, error) {
	if opts.Closer == nil {
		return nil, fmt.Errorf("lobby: closer is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("lobby: store is required")
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultReaperSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return &Reaper{
		closer:   opts.Closer,
		store:    opts.Store,
		idle:     idle,
		schedule: sched,
		logger:   logging.Component(opts.Logger, "reaper"),
	}, nil
}

// Sweep closes every active session idle beyond the threshold and drops
// stale activity records of users without a session. It returns the number
// of sessions closed.
func (r *Reaper) Sweep(ctx context.Context) int {
	closed := 0
	for _, s := range r.store.Idle(r.idle) {
		if ctx.Err() != nil {
			break
		}
		if r.closer.Close(ctx, s.UserID, ReasonIdle) {
			closed++
		}
	}
	pruned := r.store.PruneActivity(r.idle)
	if closed > 0 || pruned > 0 {
		r.logger.Info("sweep", "closed", closed, "pruned", pruned, "live", r.store.Len())
	}
	return closed
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	timer := time.NewTimer(r.next(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.Sweep(ctx)
			timer.Reset(r.next(time.Now()))
		}
	}
}

// next returns the wait until the schedule's next fire time after now.
func (r *Reaper) next(now time.Time) time.Duration {
	d := r.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
