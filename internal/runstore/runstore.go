// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package runstore persists and retrieves the per-run Report JSON, under
// <data_dir>/runs/<run_id>/report.json. It has no logic
// beyond atomic file IO so both the scheduler (writer) and the API (reader)
// can depend on it without creating an import cycle between them.
package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/orchestrator"
)

func runDir(dataDir, runID string) string {
	return filepath.Join(dataDir, "runs", runID)
}

// Write persists report for runID, creating <data_dir>/runs/<run_id>/ if
// needed, using the write-temp-then-rename idiom used throughout this
// codebase's other persisted state (internal/scheduler.saveJSON).
func Write(dataDir, runID string, report orchestrator.Report) error {
	dir := runDir(dataDir, runID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "create run dir for %s", runID)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "marshal report for %s", runID)
	}
	path := filepath.Join(dir, "report.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "write report for %s", runID)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return tsimerrors.Wrapf(err, tsimerrors.KindInternal, "rename report for %s", runID)
	}
	return nil
}

// Read returns the raw report.json bytes for runID.
func Read(dataDir, runID string) ([]byte, error) {
	path := filepath.Join(runDir(dataDir, runID), "report.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindNotFound, "report for %s", runID)
	}
	return data, nil
}
