// Package retention prunes the analysis history of streams that are no
// longer being analyzed. Analyses of active streams are never touched.
package retention

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Policy decides which analyses are removed.
type Policy struct {
	// KeepDays: analyses older than this many days are eligible (0 = disabled)
	KeepDays int
	// KeepCount: keep only the newest N analyses per stream (0 = disabled)
	KeepCount int
	// DryRun logs what would be removed without deleting
	DryRun bool
	// Interval between cleanup runs
	Interval time.Duration
}

// LoadPolicy reads RETENTION_KEEP_DAYS, RETENTION_KEEP_COUNT,
// RETENTION_DRY_RUN and RETENTION_INTERVAL.
func LoadPolicy() Policy {
	policy := Policy{Interval: 6 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepCount = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// Enabled reports whether any rule is configured.
func (p Policy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// Store is the analysis store the job prunes.
type Store interface {
	CountPrunableAnalyses(ctx context.Context, cutoff time.Time, keep int) (int64, error)
	PruneAnalyses(ctx context.Context, cutoff time.Time, keep int) (int64, error)
}

// Job applies a Policy periodically.
type Job struct {
	store  Store
	policy Policy
	now    func() time.Time
	log    *slog.Logger
}

func NewJob(store Store, policy Policy) *Job {
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}
	return &Job{
		store:  store,
		policy: policy,
		now:    time.Now,
		log: slog.Default().With(
			slog.String("component", "retention_cleanup"),
			slog.Bool("dry_run", policy.DryRun)),
	}
}

// Run cleans up immediately and then every Interval until ctx is done. It
// returns nil right away when the policy is disabled.
func (j *Job) Run(ctx context.Context) error {
	if !j.policy.Enabled() {
		j.log.Info("retention job disabled (no policy configured)")
		return nil
	}
	j.log.Info("retention job starting",
		slog.Int("keep_days", j.policy.KeepDays),
		slog.Int("keep_count", j.policy.KeepCount),
		slog.Duration("interval", j.policy.Interval))

	if _, err := j.RunOnce(ctx); err != nil {
		j.log.Warn("retention cleanup failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(j.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Info("retention job stopped")
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// RunOnce performs one cleanup and returns how many analyses were removed,
// or would be in dry-run mode.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	var cutoff time.Time
	if j.policy.KeepDays > 0 {
		cutoff = j.now().Add(-time.Duration(j.policy.KeepDays) * 24 * time.Hour)
	}
	if j.policy.DryRun {
		n, err := j.store.CountPrunableAnalyses(ctx, cutoff, j.policy.KeepCount)
		if err != nil {
			return 0, err
		}
		j.log.Info("dry-run: would delete analyses", slog.Int64("count", n))
		return n, nil
	}
	n, err := j.store.PruneAnalyses(ctx, cutoff, j.policy.KeepCount)
	if err != nil {
		return 0, err
	}
	j.log.Info("retention cleanup completed", slog.Int64("deleted", n))
	return n, nil
}
