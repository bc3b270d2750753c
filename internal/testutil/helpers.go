// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireNetns skips the test if the TSIM_NETNS_TEST environment variable is
// not set. Tests that create real network namespaces, veths, and bridges
// only run where that's safe: inside a
// disposable VM or container with CAP_NET_ADMIN, never on a dev laptop.
func RequireNetns(t *testing.T) {
	t.Helper()
	if os.Getenv("TSIM_NETNS_TEST") == "" {
		t.Skip("Skipping test: requires TSIM_NETNS_TEST environment")
	}
}
