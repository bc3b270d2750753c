// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package svcrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tsim/internal/linuxops"
)

// directEnterer forwards a logical host name straight to LinuxOps.EnterNetns
// with no prefixing, standing in for fabric.Builder.EnterHostNetns so these
// tests can exercise Runner without going through the Fabric Builder.
type directEnterer struct{ ops linuxops.LinuxOps }

func (d directEnterer) EnterHostNetns(ctx context.Context, hostName string, fn func() error) error {
	return d.ops.EnterNetns(ctx, hostName, fn)
}

func TestStartService_FailsWithoutExistingNamespace(t *testing.T) {
	ops := linuxops.NewMock()
	r := New(ops, directEnterer{ops})
	_, err := r.StartService(context.Background(), "host-no-such", "10.0.0.5", 9000, "tcp")
	assert.Error(t, err)
}

func TestStopService_IsIdempotent(t *testing.T) {
	ops := linuxops.NewMock()
	r := New(ops, directEnterer{ops})
	h := Handle("not-started")
	require.NoError(t, r.StopService(h))
	require.NoError(t, r.StopService(h))
}

func TestTestService_UsesCannedMockVerdict(t *testing.T) {
	ops := linuxops.NewMock()
	require.NoError(t, ops.CreateNetns(context.Background(), "src-host"))
	ops.ProbeResults["10.0.0.9"] = linuxops.ProbeResult{OK: true, RTTMicros: 500}

	r := New(ops, directEnterer{ops})
	res := r.TestService(context.Background(), "src-host", "10.0.0.9", 80, "tcp", time.Second, 0, []string{"r1"})
	assert.Equal(t, VerdictOK, res.Verdict)
	assert.Equal(t, []string{"r1"}, res.ViaRouters)
}

func TestTestService_FailVerdictWhenProbeNotOK(t *testing.T) {
	ops := linuxops.NewMock()
	require.NoError(t, ops.CreateNetns(context.Background(), "src-host"))
	ops.ProbeResults["10.0.0.9"] = linuxops.ProbeResult{OK: false, Err: "connection refused"}

	r := New(ops, directEnterer{ops})
	res := r.TestService(context.Background(), "src-host", "10.0.0.9", 80, "tcp", time.Second, 0, nil)
	assert.Equal(t, VerdictFail, res.Verdict)
}

func TestTestService_ErrorVerdictWhenNamespaceMissing(t *testing.T) {
	ops := linuxops.NewMock()
	r := New(ops, directEnterer{ops})
	res := r.TestService(context.Background(), "no-such-host", "10.0.0.9", 80, "tcp", time.Second, 0, nil)
	assert.Equal(t, VerdictError, res.Verdict)
}

func TestPing_PropagatesMockResult(t *testing.T) {
	ops := linuxops.NewMock()
	require.NoError(t, ops.CreateNetns(context.Background(), "src-host"))
	ops.ProbeResults["10.0.0.9"] = linuxops.ProbeResult{OK: true, RTTMicros: 123}

	r := New(ops, directEnterer{ops})
	res, err := r.Ping(context.Background(), "src-host", "10.0.0.9", time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(123), res.RTTMicros)
}
