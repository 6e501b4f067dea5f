// Package maintenance runs periodic background sweeps over the engine's
// compiled-module cache and the rate-limiter's bucket table. The sweep
// schedule is a standard five-field cron expression; a ticker polls and
// fires whenever the next scheduled time has passed.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cache is the slice of the sandbox engine the janitor sweeps.
// Satisfied by *sandbox.Engine.
type Cache interface {
	EvictIdle(maxAge time.Duration) int
}

// Buckets is the slice of the rate limiter the janitor sweeps.
// Satisfied by *ratelimit.Limiter.
type Buckets interface {
	Prune(maxIdle time.Duration) int
}

// bucketIdleAge is how long a rate bucket may sit untouched before it is
// pruned. The limiter window is one minute, so anything idle this long
// holds no live state.
const bucketIdleAge = 10 * time.Minute

const defaultPollInterval = 30 * time.Second

// Report summarizes one sweep pass.
type Report struct {
	ModulesEvicted int
	BucketsPruned  int
	Duration       time.Duration
}

// Janitor fires cache and limiter sweeps on a cron schedule.
type Janitor struct {
	cache    Cache
	buckets  Buckets
	idleAge  time.Duration
	schedule cron.Schedule
	spec     string
	metrics  *Metrics
	logger   *slog.Logger

	pollInterval time.Duration
	now          func() time.Time
}

// New builds a Janitor. schedule is a five-field cron expression;
// idleAge is the age past which compiled modules are evicted. Either
// sweep target may be nil, in which case that sweep is skipped.
func New(cache Cache, buckets Buckets, schedule string, idleAge time.Duration, metrics *Metrics, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cache:        cache,
		buckets:      buckets,
		idleAge:      idleAge,
		schedule:     sched,
		spec:         schedule,
		metrics:      metrics,
		logger:       logger,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.Info("maintenance janitor started",
			"schedule", j.spec,
			"idle_age", j.idleAge.String())

		next := j.schedule.Next(j.now().UTC())
		ticker := time.NewTicker(j.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				j.logger.Info("maintenance janitor stopped")
				return
			case <-ticker.C:
				now := j.now().UTC()
				if now.Before(next) {
					continue
				}
				j.Sweep()
				next = j.schedule.Next(now)
			}
		}
	}()

	return cancel
}

// Sweep runs one pass immediately and reports what was reclaimed.
func (j *Janitor) Sweep() Report {
	start := time.Now()
	var rep Report

	if j.cache != nil {
		rep.ModulesEvicted = j.cache.EvictIdle(j.idleAge)
	}
	if j.buckets != nil {
		rep.BucketsPruned = j.buckets.Prune(bucketIdleAge)
	}
	rep.Duration = time.Since(start)

	if j.metrics != nil {
		j.metrics.SweepsTotal.Inc()
		j.metrics.SweepDuration.Observe(rep.Duration.Seconds())
		j.metrics.ModulesEvicted.Add(float64(rep.ModulesEvicted))
		j.metrics.BucketsPruned.Add(float64(rep.BucketsPruned))
	}

	j.logger.Info("maintenance sweep complete",
		"modules_evicted", rep.ModulesEvicted,
		"buckets_pruned", rep.BucketsPruned,
		"duration", rep.Duration.String())
	return rep
}
