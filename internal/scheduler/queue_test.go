// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)
	return q
}

func TestEnqueue_PersistsAndPreservesFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Job{RunID: "a", Mode: ModeQuick}))
	require.NoError(t, q.Enqueue(Job{RunID: "b", Mode: ModeQuick}))

	q2, err := NewQueue(q.dataDir)
	require.NoError(t, err)
	require.Len(t, q2.pending, 2)
	assert.Equal(t, "a", q2.pending[0].RunID)
	assert.Equal(t, "b", q2.pending[1].RunID)
}

func TestPopCompatible_QuickJobsBatchUpToLimitSkippingConflicts(t *testing.T) {
	running := map[string]Job{
		"d1": {RunID: "d1", Mode: ModeDetailed, RouterSet: []string{"r2"}},
	}
	pending := []Job{
		{RunID: "q1", Mode: ModeQuick, RouterSet: []string{"r1"}},
		{RunID: "q2", Mode: ModeQuick, RouterSet: []string{"r2"}}, // conflicts, skipped
		{RunID: "q3", Mode: ModeQuick, RouterSet: []string{"r3"}},
	}
	batch := popCompatible(pending, running)
	var ids []string
	for _, j := range batch {
		ids = append(ids, j.RunID)
	}
	assert.Equal(t, []string{"q1", "q3"}, ids)
}

func TestPopCompatible_DetailedHeadBlockedByOverlappingRunningDetailed(t *testing.T) {
	running := map[string]Job{
		"d1": {RunID: "d1", Mode: ModeDetailed, RouterSet: []string{"r1"}},
	}
	pending := []Job{
		{RunID: "d2", Mode: ModeDetailed, RouterSet: []string{"r1", "r9"}},
	}
	assert.Empty(t, popCompatible(pending, running))
}

func TestPopCompatible_DetailedHeadPopsAloneWhenClear(t *testing.T) {
	pending := []Job{
		{RunID: "d1", Mode: ModeDetailed, RouterSet: []string{"r1"}},
		{RunID: "q1", Mode: ModeQuick, RouterSet: []string{"r2"}},
	}
	batch := popCompatible(pending, map[string]Job{})
	require.Len(t, batch, 1)
	assert.Equal(t, "d1", batch[0].RunID)
}

func TestPopCompatible_QuickBatchStopsAtFirstDetailedJob(t *testing.T) {
	pending := []Job{
		{RunID: "q1", Mode: ModeQuick, RouterSet: []string{"r1"}},
		{RunID: "d1", Mode: ModeDetailed, RouterSet: []string{"r2"}},
		{RunID: "q2", Mode: ModeQuick, RouterSet: []string{"r3"}},
	}
	batch := popCompatible(pending, map[string]Job{})
	require.Len(t, batch, 1)
	assert.Equal(t, "q1", batch[0].RunID)
}

func TestSetRunningThenRemoveRunning_RoundTripsThroughHistory(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Job{RunID: "a", Mode: ModeQuick}))

	require.NoError(t, q.SetRunning([]Job{{RunID: "a", Mode: ModeQuick}}))
	assert.Empty(t, q.pending)
	assert.Len(t, q.GetRunning(), 1)

	require.NoError(t, q.RemoveRunning("a", StatusComplete, ""))
	assert.Empty(t, q.GetRunning())
	require.Len(t, q.history, 1)
	assert.Equal(t, StatusComplete, q.history[0].Status)
}

func TestRemoveRunning_UnknownRunIDIsAnError(t *testing.T) {
	q := newTestQueue(t)
	assert.Error(t, q.RemoveRunning("no-such-run", StatusComplete, ""))
}

func TestRequeueAtHead_PutsJobBeforeExistingPending(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Job{RunID: "a"}))
	require.NoError(t, q.RequeueAtHead(Job{RunID: "z"}))
	require.Len(t, q.pending, 2)
	assert.Equal(t, "z", q.pending[0].RunID)
}
