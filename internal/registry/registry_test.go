// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RouterCodeIsStableAndSequential(t *testing.T) {
	r := New()
	c1, err := r.RouterCode("hq-gw")
	require.NoError(t, err)
	assert.Equal(t, "r000", c1)

	c2, err := r.RouterCode("br-gw")
	require.NoError(t, err)
	assert.Equal(t, "r001", c2)

	again, err := r.RouterCode("hq-gw")
	require.NoError(t, err)
	assert.Equal(t, c1, again)
}

func TestRegistry_InterfaceCodeScopedPerRouter(t *testing.T) {
	r := New()
	a, err := r.InterfaceCode("hq-gw", "eth0")
	require.NoError(t, err)
	b, err := r.InterfaceCode("br-gw", "eth0")
	require.NoError(t, err)
	assert.Equal(t, "i000", a)
	assert.Equal(t, "i000", b)

	name, ok := r.LookupInterface("hq-gw", a)
	require.True(t, ok)
	assert.Equal(t, "eth0", name)
}

func TestRegistry_RouterTableFull(t *testing.T) {
	r := New()
	for i := 0; i < MaxRouters; i++ {
		_, err := r.RouterCode(fmt.Sprintf("r%d", i))
		require.NoError(t, err)
	}
	_, err := r.RouterCode("overflow")
	assert.Error(t, err)
}

func TestRegistry_ClearResetsAllTables(t *testing.T) {
	r := New()
	c1, _ := r.RouterCode("hq-gw")
	r.Clear()
	c2, err := r.RouterCode("hq-gw")
	require.NoError(t, err)
	assert.Equal(t, c1, c2) // renumbering restarts from r000 after Clear
}
