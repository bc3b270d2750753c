// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/logging"
	"grimm.is/tsim/internal/orchestrator"
	"grimm.is/tsim/internal/runstore"
)

var log = logging.WithComponent("scheduler")

// WorkerPoolCapacity is the worker pool's fixed goroutine budget.
const WorkerPoolCapacity = 33

// PollInterval is how often the leader loop wakes to reap and dispatch.
const PollInterval = 500 * time.Millisecond

// Runner executes one job's orchestration; satisfied by
// *orchestrator.Orchestrator in production and a fake in tests.
type Runner interface {
	RunReachability(ctx context.Context, job orchestrator.Job, pp orchestrator.PortProto) orchestrator.Report
}

// ProgressRecorder receives lifecycle events for a run_id as the scheduler
// drives it through execution; internal/progress.Tracker implements this.
type ProgressRecorder interface {
	Record(runID, phase string, percent int, message string)
	Complete(runID string, success bool)
}

type noopRecorder struct{}

func (noopRecorder) Record(string, string, int, string) {}
func (noopRecorder) Complete(string, bool)               {}

// Scheduler is the leader-elected pop/dispatch loop. Exactly one
// Scheduler instance in a fleet of daemon processes is ever running its
// loop at a time; the rest sit parked in TryAcquire, polling for
// leadership.
type Scheduler struct {
	queue    *Queue
	runner   Runner
	leader   *LeaderElector
	routers  *RouterLocks
	dscp     *dscpPool
	progress ProgressRecorder
	dataDir  string

	mu     sync.Mutex
	wg     sync.WaitGroup
	sem    chan struct{}
	stopCh chan struct{}
}

// New constructs a Scheduler. progress may be nil, in which case progress
// events are dropped. dataDir is where finished-job reports are persisted
// for the API's report handler to read back (internal/runstore).
func New(queue *Queue, runner Runner, leader *LeaderElector, routers *RouterLocks, progress ProgressRecorder, dataDir string) *Scheduler {
	if progress == nil {
		progress = noopRecorder{}
	}
	return &Scheduler{
		queue:    queue,
		runner:   runner,
		leader:   leader,
		routers:  routers,
		dscp:     newDSCPPool(),
		progress: progress,
		dataDir:  dataDir,
		sem:      make(chan struct{}, WorkerPoolCapacity),
		stopCh:   make(chan struct{}),
	}
}

// Run blocks until ctx is canceled, repeatedly attempting leadership and,
// while leader, executing the pop/dispatch/reap cycle. Losing an election
// attempt is not an error: the process parks and retries next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.stopCh:
			s.wg.Wait()
			return
		case <-ticker.C:
			leading, err := s.leader.TryAcquire()
			if err != nil {
				log.Error("leader election failed", "err", err)
				continue
			}
			if !leading {
				continue
			}
			s.cycle(ctx)
		}
	}
}

// Stop signals the Run loop to end after the current cycle and returns
// without waiting; Run itself waits for in-flight workers before returning.
// In-flight kernel operations are not cancelled: there is no hard
// cancellation.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// cycle runs one leader iteration: compute the compatible batch and
// dispatch each job to the worker pool. Reaping happens as each worker
// goroutine finishes, not as a separate synchronous step, since Go
// goroutines plus RemoveRunning already give "reap completed futures" for
// free without a blocking join.
func (s *Scheduler) cycle(ctx context.Context) {
	queueDepth.Set(float64(s.queue.Depth()))
	runningJobs.Set(float64(len(s.queue.GetRunning())))
	dscpInUse.Set(float64(s.dscp.InUse()))

	batch := s.queue.PopCompatible()
	if len(batch) == 0 {
		return
	}

	var admitted []Job
	for i := range batch {
		job := batch[i]
		if job.RunID == "" {
			job.RunID = uuid.NewString()
		}
		if err := s.admit(&job); err != nil {
			log.Warn("job admission failed, re-queueing at head", "run_id", job.RunID, "err", err)
			if rqErr := s.queue.RequeueAtHead(job); rqErr != nil {
				log.Error("requeue after admission failure also failed", "run_id", job.RunID, "err", rqErr)
			}
			continue
		}
		admitted = append(admitted, job)
	}
	if len(admitted) == 0 {
		return
	}
	if err := s.queue.SetRunning(admitted); err != nil {
		log.Error("set running failed", "err", err)
		return
	}
	for _, job := range admitted {
		s.dispatch(ctx, job)
	}
}

// admit allocates the resources a job needs before it can run: a DSCP
// codepoint for a quick job, or every per-router lock for a detailed job's
// router set. Failure here is a ConcurrencyError.
func (s *Scheduler) admit(job *Job) error {
	switch job.Mode {
	case ModeQuick:
		dscp, err := s.dscp.Allocate(job.RunID)
		if err != nil {
			return err
		}
		job.DSCP = dscp
		job.Params.DSCP = dscp
	case ModeDetailed:
		if err := s.routers.AcquireAll(job.RunID, job.RouterSet); err != nil {
			return err
		}
	default:
		return tsimerrors.Errorf(tsimerrors.KindValidation, "unknown job mode %q", job.Mode)
	}
	return nil
}

// release frees whatever admit acquired, mirroring it by mode.
func (s *Scheduler) release(job Job) {
	switch job.Mode {
	case ModeQuick:
		s.dscp.Release(job.DSCP)
	case ModeDetailed:
		s.routers.ReleaseAll(job.RunID, job.RouterSet)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job Job) {
	s.sem <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.runJob(ctx, job)
	}()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.release(job)
	s.progress.Record(job.RunID, "dispatch", 0, "job started")

	var lastReport orchestrator.Report
	ok := true
	for _, pp := range job.Ports {
		report := s.runner.RunReachability(ctx, job.Params, pp)
		lastReport = report
		if len(report.PhaseErrors) > 0 || !report.Summary.Reachable {
			ok = ok && len(report.PhaseErrors) == 0
		}
		s.progress.Record(job.RunID, "probe", 50, "page complete: "+pp.Proto)
	}

	final := StatusComplete
	errMsg := ""
	if len(lastReport.PhaseErrors) > 0 {
		final = StatusError
		errMsg = lastReport.PhaseErrors[0]
	}

	if s.dataDir != "" {
		if err := runstore.Write(s.dataDir, job.RunID, lastReport); err != nil {
			log.Error("persist report failed", "run_id", job.RunID, "err", err)
		}
	}

	if err := s.queue.RemoveRunning(job.RunID, final, errMsg); err != nil {
		log.Error("remove running failed", "run_id", job.RunID, "err", err)
	}
	jobsCompleted.WithLabelValues(string(final)).Inc()
	s.progress.Complete(job.RunID, ok)
}
