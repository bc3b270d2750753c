// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scheduler implements the Scheduler & Queue: a persistent FIFO
// job queue, a leader-elected pop loop that builds a compatible batch of
// jobs per cycle, and a bounded worker pool that runs each job through
// the Reachability Orchestrator.
package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/orchestrator"
)

// Mode is a job's analysis mode.
type Mode string

const (
	ModeQuick    Mode = "quick"
	ModeDetailed Mode = "detailed"
)

// Status is a queued or running job's lifecycle state.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
)

// QuickBatchLimit bounds how many quick jobs PopCompatible pops in one
// cycle (at most 32 per batch).
const QuickBatchLimit = 32

// Job is one entry in the persistent queue: an orchestrator job plus the
// scheduling metadata PopCompatible needs to decide compatibility.
type Job struct {
	RunID       string             `json:"run_id"`
	Username    string             `json:"username"`
	Mode        Mode               `json:"mode"`
	Params      orchestrator.Job   `json:"params"`
	Ports       []orchestrator.PortProto `json:"ports"`
	RouterSet   []string           `json:"router_set"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	Status      Status             `json:"status"`
	DSCP        uint8              `json:"dscp,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func (j Job) routerSetOverlaps(other Job) bool {
	if len(j.RouterSet) == 0 || len(other.RouterSet) == 0 {
		return false
	}
	set := make(map[string]bool, len(j.RouterSet))
	for _, r := range j.RouterSet {
		set[r] = true
	}
	for _, r := range other.RouterSet {
		if set[r] {
			return true
		}
	}
	return false
}

// Queue is the persistent FIFO queue, backed by three JSON files under
// dataDir/queue/: queue.json (pending), current.json (running), history.json
// (finished). Every mutation is serialized by mu and persisted with a
// write-temp-then-rename, the same atomic-write idiom the teacher uses for
// its own on-disk state (internal/config.SecureWriteFile).
type Queue struct {
	mu       sync.Mutex
	dataDir  string
	pending  []Job
	running  map[string]Job
	history  []Job
}

// NewQueue constructs a Queue rooted at dataDir, loading any state
// persisted by a previous process.
func NewQueue(dataDir string) (*Queue, error) {
	q := &Queue{dataDir: dataDir, running: make(map[string]Job)}
	if err := os.MkdirAll(filepath.Join(dataDir, "queue"), 0700); err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindInternal, "create queue dir")
	}
	if err := loadJSON(q.pendingPath(), &q.pending); err != nil {
		return nil, err
	}
	if err := loadJSON(q.currentPath(), &q.running); err != nil {
		return nil, err
	}
	if err := loadJSON(q.historyPath(), &q.history); err != nil {
		return nil, err
	}
	if q.running == nil {
		q.running = make(map[string]Job)
	}
	return q, nil
}

func (q *Queue) pendingPath() string { return filepath.Join(q.dataDir, "queue", "queue.json") }
func (q *Queue) currentPath() string { return filepath.Join(q.dataDir, "queue", "current.json") }
func (q *Queue) historyPath() string { return filepath.Join(q.dataDir, "queue", "history.json") }

// Enqueue appends job to the tail of the pending queue atomically.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = StatusQueued
	q.pending = append(q.pending, job)
	return saveJSON(q.pendingPath(), q.pending)
}

// PopCompatible is the pure decision function of the queue: given the
// current running set, it chooses a batch from the head of the pending
// queue without
// mutating the queue. Callers that intend to actually run the batch must
// follow with SetRunning to remove the popped jobs from pending.
func (q *Queue) PopCompatible() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return popCompatible(q.pending, q.running)
}

func popCompatible(pending []Job, running map[string]Job) []Job {
	if len(pending) == 0 {
		return nil
	}
	head := pending[0]

	conflictsWithRunning := func(j Job) bool {
		for _, r := range running {
			if r.Mode == ModeDetailed && r.routerSetOverlaps(j) {
				return true
			}
		}
		return false
	}

	if head.Mode == ModeDetailed {
		if conflictsWithRunning(head) {
			return nil
		}
		return []Job{head}
	}

	// head is quick: take up to QuickBatchLimit quick jobs from the front,
	// skipping (not popping past) any that conflict with a running detailed
	// job. Quick jobs never conflict with each other.
	var batch []Job
	for _, j := range pending {
		if len(batch) >= QuickBatchLimit {
			break
		}
		if j.Mode != ModeQuick {
			break
		}
		if conflictsWithRunning(j) {
			continue
		}
		batch = append(batch, j)
	}
	return batch
}

// SetRunning removes jobs from pending (by RunID) and records them as
// running, persisting both files.
func (q *Queue) SetRunning(jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	popped := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		popped[j.RunID] = true
	}
	remaining := q.pending[:0:0]
	for _, j := range q.pending {
		if !popped[j.RunID] {
			remaining = append(remaining, j)
		}
	}
	q.pending = remaining

	for _, j := range jobs {
		j.Status = StatusRunning
		q.running[j.RunID] = j
	}
	if err := saveJSON(q.pendingPath(), q.pending); err != nil {
		return err
	}
	return saveJSON(q.currentPath(), q.running)
}

// RemoveRunning removes runID from the running set, appends it to history
// with the given terminal status, and persists both files.
func (q *Queue) RemoveRunning(runID string, final Status, jobErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[runID]
	if !ok {
		return tsimerrors.Errorf(tsimerrors.KindNotFound, "job %s is not running", runID)
	}
	delete(q.running, runID)
	job.Status = final
	job.Error = jobErr
	q.history = append(q.history, job)

	if err := saveJSON(q.currentPath(), q.running); err != nil {
		return err
	}
	return saveJSON(q.historyPath(), q.history)
}

// GetRunning returns a snapshot of the currently running set.
func (q *Queue) GetRunning() map[string]Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Job, len(q.running))
	for k, v := range q.running {
		out[k] = v
	}
	return out
}

// Depth returns the number of pending jobs, for the queue-depth gauge.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RequeueAtHead puts job back at the front of the pending queue, used when
// a ConcurrencyError (lock or DSCP exhaustion) prevents it from starting,
// preserving FIFO order for the next cycle.
func (q *Queue) RequeueAtHead(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = StatusQueued
	q.pending = append([]Job{job}, q.pending...)
	return saveJSON(q.pendingPath(), q.pending)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "read %s", path)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "parse %s", path)
	}
	return nil
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "marshal %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "rename %s", tmp)
	}
	return nil
}
