// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSCPPool_AllocateReturnsValuesInRange(t *testing.T) {
	p := newDSCPPool()
	v, err := p.Allocate("run-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, uint8(DSCPMin))
	assert.LessOrEqual(t, v, uint8(DSCPMax))
}

func TestDSCPPool_ExhaustionIsAConcurrencyError(t *testing.T) {
	p := newDSCPPool()
	for i := DSCPMin; i <= DSCPMax; i++ {
		_, err := p.Allocate("run")
		require.NoError(t, err)
	}
	_, err := p.Allocate("one-too-many")
	assert.Error(t, err)
}

func TestDSCPPool_ReleaseFreesValueForReuse(t *testing.T) {
	p := newDSCPPool()
	v, err := p.Allocate("run-1")
	require.NoError(t, err)
	p.Release(v)
	assert.Equal(t, 0, p.InUse())

	v2, err := p.Allocate("run-2")
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}
