// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vpntunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTunneler_CreateDeviceIsIdempotentAndReconfigures(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	cfg := Config{PrivateKeyBase64: "a", PeerPublicKeyBase64: "b", ListenPort: 51820}

	require.NoError(t, m.CreateDevice(ctx, "tsim-r1", "wg0", cfg))
	cfg.ListenPort = 51821
	require.NoError(t, m.CreateDevice(ctx, "tsim-r1", "wg0", cfg))

	assert.Len(t, m.Devices, 1)
	assert.Equal(t, 51821, m.Devices["tsim-r1/wg0"].ListenPort)
}

func TestMockTunneler_DeleteDeviceRemovesIt(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	require.NoError(t, m.CreateDevice(ctx, "tsim-r1", "wg0", Config{}))
	require.NoError(t, m.DeleteDevice(ctx, "tsim-r1", "wg0"))
	assert.Empty(t, m.Devices)
}

func TestMockTunneler_DeleteDeviceIsIdempotent(t *testing.T) {
	m := NewMock()
	assert.NoError(t, m.DeleteDevice(context.Background(), "tsim-r1", "wg0"))
}

func TestMockTunneler_CallsAreRecordedInOrder(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	require.NoError(t, m.CreateDevice(ctx, "tsim-r1", "wg0", Config{}))
	require.NoError(t, m.DeleteDevice(ctx, "tsim-r1", "wg0"))
	assert.Equal(t, []string{"CreateDevice tsim-r1/wg0", "DeleteDevice tsim-r1/wg0"}, m.Calls)
}
