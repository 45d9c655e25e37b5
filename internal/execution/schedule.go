package execution

import (
	"time"

	"github.com/riverqueue/river"
)

// Schedule holds the intervals of the periodic maintenance jobs.
type Schedule struct {
	Sweep     time.Duration
	Keys      time.Duration
	Retention time.Duration
}

// PeriodicJobs returns the maintenance jobs River runs on its own clock. The
// sweep and key jobs also run at start so a restart catches up immediately.
func PeriodicJobs(s Schedule) []*river.PeriodicJob {
	var jobs []*river.PeriodicJob
	if s.Sweep > 0 {
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(s.Sweep),
			func() (river.JobArgs, *river.InsertOpts) { return ReconcileSweepArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	if s.Keys > 0 {
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(s.Keys),
			func() (river.JobArgs, *river.InsertOpts) { return KeyMaintenanceArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	if s.Retention > 0 {
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(s.Retention),
			func() (river.JobArgs, *river.InsertOpts) { return RetentionPurgeArgs{}, nil },
			nil,
		))
	}
	return jobs
}

// Queues bounds payout concurrency by retryConcurrency. Maintenance jobs run
// one at a time.
func Queues(retryConcurrency int) map[string]river.QueueConfig {
	if retryConcurrency < 1 {
		retryConcurrency = 1
	}
	return map[string]river.QueueConfig{
		QueuePayouts:     {MaxWorkers: retryConcurrency},
		QueueMaintenance: {MaxWorkers: 1},
	}
}
