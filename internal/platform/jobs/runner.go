// Package jobs drives the periodic background work of the RCM server
// (clearinghouse sweeps, AR aging, collection processing) under a
// distributed lock.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ehr/rcm/internal/platform/telemetry"
	"github.com/rs/zerolog"
)

// Job is one periodic unit of work. Run must honor ctx cancellation between
// items so a shutdown never has to redo finished work.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Runner struct {
	locker  Locker
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	jobs    map[string]Job
	order   []string
}

func NewRunner(locker Locker, logger zerolog.Logger, metrics *telemetry.Metrics) *Runner {
	return &Runner{
		locker:  locker,
		logger:  logger.With().Str("component", "jobs").Logger(),
		metrics: metrics,
		jobs:    make(map[string]Job),
	}
}

// Register adds a job. Names must be unique.
func (r *Runner) Register(j Job) error {
	if j.Name == "" || j.Run == nil || j.Interval <= 0 {
		return fmt.Errorf("job %q: name, run func and positive interval are required", j.Name)
	}
	if _, dup := r.jobs[j.Name]; dup {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	r.jobs[j.Name] = j
	r.order = append(r.order, j.Name)
	return nil
}

// Names lists registered jobs in registration order.
func (r *Runner) Names() []string {
	return append([]string(nil), r.order...)
}

// Start launches one ticker loop per job and returns a stop function that
// cancels them and waits for in-flight runs to return.
func (r *Runner) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, name := range r.order {
		j := r.jobs[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, j)
		}()
	}
	r.logger.Info().Strs("jobs", r.order).Msg("job runner started")
	return func() {
		cancel()
		wg.Wait()
		r.logger.Info().Msg("job runner stopped")
	}
}

func (r *Runner) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.execute(ctx, j); err != nil {
				r.logger.Error().Err(err).Str("job", j.Name).Msg("job run failed")
			}
		}
	}
}

// RunOnce runs the named job immediately, still under its lock. ran is
// false when another replica holds the lock.
func (r *Runner) RunOnce(ctx context.Context, name string) (ran bool, err error) {
	j, ok := r.jobs[name]
	if !ok {
		return false, fmt.Errorf("unknown job %q", name)
	}
	return r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j Job) (bool, error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	// The lock outlives the run slightly so a slow run is not overlapped.
	acquired, token, err := r.locker.TryLock(ctx, j.Name, timeout+time.Minute)
	if err != nil {
		r.metrics.JobRun(j.Name, "error", 0)
		return false, fmt.Errorf("acquire lock for %s: %w", j.Name, err)
	}
	if !acquired {
		r.logger.Debug().Str("job", j.Name).Msg("lock held elsewhere; skipping run")
		r.metrics.JobRun(j.Name, "skipped", 0)
		return false, nil
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), j.Name, token); err != nil {
			r.logger.Warn().Err(err).Str("job", j.Name).Msg("release job lock")
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = j.Run(runCtx)
	took := time.Since(start)

	if err != nil {
		r.metrics.JobRun(j.Name, "error", took)
		return true, err
	}
	r.metrics.JobRun(j.Name, "ok", took)
	r.logger.Info().Str("job", j.Name).Dur("duration", took).Msg("job run complete")
	return true, nil
}
