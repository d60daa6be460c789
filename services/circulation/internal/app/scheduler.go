package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"libraryapi/internal/joblock"
	"libraryapi/internal/util"
)

// Job names, also used as lease keys.
const (
	JobOverdueSweep     = "overdue-sweep"
	JobDueNotifications = "due-notifications"
)

// Job is a periodic task. A zero Every disables it.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker. When a locker is set, a run only
// happens on the instance that claims the job's period, and never while
// another instance is still running the same job.
type Scheduler struct {
	jobs   []Job
	locker *joblock.Locker
	now    func() time.Time
	// heartbeat is how often a running job extends its lease. Zero means a
	// third of the locker TTL.
	heartbeat time.Duration
}

func NewScheduler(locker *joblock.Locker, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, locker: locker, now: time.Now}
}

// Scheduler returns the overdue sweep and due notification jobs wired to a.
func (a *App) Scheduler() *Scheduler {
	s := NewScheduler(a.locker,
		Job{Name: JobOverdueSweep, Every: a.sweepEvery, Run: func(ctx context.Context) error {
			_, err := a.RunOverdueSweep(ctx)
			return err
		}},
		Job{Name: JobDueNotifications, Every: a.notifyEvery, Run: func(ctx context.Context) error {
			_, err := a.RunDueNotificationPass(ctx)
			return err
		}},
	)
	s.now = a.now
	return s
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Every <= 0 || job.Run == nil {
			util.LoggerFromContext(ctx).Info("job_disabled", "job", job.Name)
			continue
		}
		g.Go(func() error {
			s.loop(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes job a single time, honoring the leases when configured.
// It reports whether the job ran.
//
// Two leases guard a run. The run lease is keyed by job name, extended while
// the job works and released when it returns. The period lease is keyed by
// the start of the current Every window and is left to expire at the end of
// that window, so a later tick on any instance skips the period, whether the
// first run succeeded or not.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) bool {
	logger := util.LoggerFromContext(ctx).With("job", job.Name, "run_id", util.NewID())
	ctx = util.ContextWithLogger(ctx, logger)

	if s.locker != nil {
		release, ok := s.claim(ctx, job)
		if !ok {
			return false
		}
		defer release()
	}

	start := time.Now()
	logger.Info("job_started")
	if err := job.Run(ctx); err != nil {
		logger.Error("job_failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return true
	}
	logger.Info("job_finished", "duration_ms", time.Since(start).Milliseconds())
	return true
}

func (s *Scheduler) claim(ctx context.Context, job Job) (func(), bool) {
	logger := util.LoggerFromContext(ctx)

	run, ok, err := s.locker.TryAcquire(ctx, job.Name)
	if err != nil {
		logger.Error("job_lease_failed", "err", err)
		return nil, false
	}
	if !ok {
		logger.Info("job_skipped_running_elsewhere")
		return nil, false
	}
	releaseRun := func() {
		if err := run.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, joblock.ErrNotHeld) {
			logger.Warn("job_lease_release_failed", "err", err)
		}
	}

	if job.Every > 0 {
		now := s.now()
		period := now.Truncate(job.Every)
		key := job.Name + ":" + period.UTC().Format("20060102T150405Z")
		_, ok, err := s.locker.TryAcquireFor(ctx, key, period.Add(job.Every).Sub(now))
		if err != nil {
			logger.Error("job_period_lease_failed", "err", err)
			releaseRun()
			return nil, false
		}
		if !ok {
			logger.Info("job_skipped_period_done", "period", period.UTC().Format(time.RFC3339))
			releaseRun()
			return nil, false
		}
	}

	stop := s.keepAlive(ctx, run)
	return func() {
		stop()
		releaseRun()
	}, true
}

// keepAlive extends lease until the returned stop func is called.
func (s *Scheduler) keepAlive(ctx context.Context, lease *joblock.Lease) func() {
	interval := s.heartbeat
	if interval <= 0 {
		interval = s.locker.TTL() / 3
	}
	if interval <= 0 {
		interval = s.locker.TTL()
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Extend(ctx)
				if err == nil || ctx.Err() != nil {
					continue
				}
				util.LoggerFromContext(ctx).Warn("job_lease_extend_failed", "err", err)
				if errors.Is(err, joblock.ErrNotHeld) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
