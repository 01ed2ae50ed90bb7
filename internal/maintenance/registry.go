// Package maintenance runs the agent's background upkeep on cron schedules:
// WAL checkpoints, memory compaction, semantic repairs, pattern pruning,
// pool correlation, health snapshots, cost archival and cloud backups.
//
// Jobs run independently of the cognitive cycle. A failed job is logged and
// retried on its next tick; it never blocks or fails a cycle.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of upkeep.
type Job interface {
	// Run performs the work. The context carries the per-job deadline.
	Run(ctx context.Context) error

	// Name identifies the job in logs.
	Name() string
}

// Registry owns the cron dispatcher and the jobs registered on it.
type Registry struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewRegistry creates an empty registry. Schedules are evaluated in UTC so
// the daily jobs track the cost ledger's day boundary.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		log:  log.With().Str("module", "maintenance").Logger(),
	}
}

// Add schedules a job. The schedule uses six-field cron syntax with a
// leading seconds field, for example "0 */15 * * * *" for every quarter
// hour. Each invocation gets a fresh context bounded by timeout.
func (r *Registry) Add(schedule string, timeout time.Duration, job Job) error {
	_, err := r.cron.AddFunc(schedule, func() {
		r.runJob(timeout, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name(), err)
	}

	r.log.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

func (r *Registry) runJob(timeout time.Duration, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.log.Debug().Str("job", job.Name()).Msg("Running job")
	start := time.Now()

	if err := job.Run(ctx); err != nil {
		r.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("duration_ms", time.Since(start)).
			Msg("Job failed")
		return
	}

	r.log.Debug().
		Str("job", job.Name()).
		Dur("duration_ms", time.Since(start)).
		Msg("Job completed")
}

// Start begins dispatching. No job fires before Start.
func (r *Registry) Start() {
	r.cron.Start()
	r.log.Info().Msg("Maintenance scheduler started")
}

// Stop halts dispatching and waits for running jobs to finish.
func (r *Registry) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info().Msg("Maintenance scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (r *Registry) RunNow(ctx context.Context, job Job) error {
	r.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run(ctx)
}
