// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package progress implements the Progress Tracker: a per-run append-only
// JSONL log under <data_dir>/progress/<run_id>.jsonl, and a poll-based
// tail so an SSE handler can stream new lines as the scheduler appends
// them.
package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	tsimerrors "grimm.is/tsim/internal/errors"
)

// Event is one line of a run's progress log: {phase, percent, message, ts}.
type Event struct {
	Phase    string    `json:"phase,omitempty"`
	Percent  int       `json:"percent"`
	Message  string    `json:"message,omitempty"`
	TS       time.Time `json:"ts"`
	Complete bool      `json:"complete,omitempty"`
	Status   string    `json:"status,omitempty"`
}

// Tracker writes and tails per-run progress logs. Writes are serialized per
// run_id so concurrent Record calls for the same run never interleave
// partial JSON lines; different runs write through independent file
// handles and never contend with each other.
type Tracker struct {
	dir string

	mu      sync.Mutex
	writers map[string]*runWriter
}

type runWriter struct {
	mu sync.Mutex
	f  *os.File
}

// New constructs a Tracker rooted at dataDir/progress.
func New(dataDir string) (*Tracker, error) {
	dir := filepath.Join(dataDir, "progress")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindInternal, "create progress dir")
	}
	return &Tracker{dir: dir, writers: make(map[string]*runWriter)}, nil
}

func (t *Tracker) path(runID string) string {
	return filepath.Join(t.dir, runID+".jsonl")
}

func (t *Tracker) writerFor(runID string) (*runWriter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.writers[runID]; ok {
		return w, nil
	}
	f, err := os.OpenFile(t.path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindInternal, "open progress log for %s", runID)
	}
	w := &runWriter{f: f}
	t.writers[runID] = w
	return w, nil
}

func (t *Tracker) append(runID string, ev Event) error {
	w, err := t.writerFor(runID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "marshal progress event")
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(line)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "append progress log for %s", runID)
	}
	return nil
}

// Record appends a non-terminal progress event. It satisfies
// scheduler.ProgressRecorder.
func (t *Tracker) Record(runID, phase string, percent int, message string) {
	_ = t.append(runID, Event{Phase: phase, Percent: percent, Message: message, TS: time.Now()})
}

// Complete appends the terminal event that closes the SSE stream
// ({complete: true, status}) and releases the open file handle for runID.
func (t *Tracker) Complete(runID string, success bool) {
	status := "ERROR"
	if success {
		status = "COMPLETE"
	}
	_ = t.append(runID, Event{Complete: true, Status: status, TS: time.Now(), Percent: 100})

	t.mu.Lock()
	w, ok := t.writers[runID]
	delete(t.writers, runID)
	t.mu.Unlock()
	if ok {
		w.mu.Lock()
		w.f.Close()
		w.mu.Unlock()
	}
}

// PollInterval is how often Follow re-checks the log file for new lines
// once it has caught up to EOF.
const PollInterval = 200 * time.Millisecond

// Follow reads every event already in runID's log, then polls for new ones,
// invoking fn for each in order, until fn returns false, ctx is canceled,
// or a terminal {complete: true} event is delivered. It does not require
// the log file to already exist; Follow waits for it to appear.
func Follow(ctx context.Context, dataDir, runID string, fn func(Event) bool) error {
	path := filepath.Join(dataDir, "progress", runID+".jsonl")

	var f *os.File
	for {
		var err error
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "open progress log for %s", runID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var ev Event
			if jerr := json.Unmarshal(line, &ev); jerr == nil {
				if !fn(ev) {
					return nil
				}
				if ev.Complete {
					return nil
				}
			}
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(PollInterval):
			}
			continue
		}
	}
}
