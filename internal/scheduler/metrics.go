// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tsim_scheduler_queue_depth",
		Help: "Number of jobs waiting in the pending queue.",
	})

	runningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tsim_scheduler_running_jobs",
		Help: "Number of jobs currently executing.",
	})

	dscpInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tsim_scheduler_dscp_in_use",
		Help: "Number of DSCP codepoints currently allocated out of the 32-value pool.",
	})

	jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsim_scheduler_jobs_completed_total",
		Help: "Jobs that finished, labeled by terminal status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(queueDepth, runningJobs, dscpInUse, jobsCompleted)
}
