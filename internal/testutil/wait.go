// Package testutil holds test doubles shared across packages.
package testutil

import (
	"testing"
	"time"
)

// Eventually polls condition until it holds or the deadline passes.
func Eventually(t *testing.T, timeout time.Duration, condition func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}
