// Package testutil holds helpers shared by keyrotate tests.
package testutil

import (
	"os"
	"testing"
	"time"
)

// IntegrationEnv enables container-backed tests when set to a non-empty value.
const IntegrationEnv = "KEYROTATE_INTEGRATION"

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}
}

// RequireIntegration skips the test unless KEYROTATE_INTEGRATION is set.
// Integration tests start containers and need a docker daemon.
func RequireIntegration(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}

// Eventually polls cond every tick until it holds or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
		}
		time.Sleep(tick)
	}
}
