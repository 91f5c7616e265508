package testsupport

import (
	"os"
	"strings"
	"testing"
	"time"
)

// SocketDir returns a short temp directory for unix sockets. t.TempDir paths
// can exceed the sun_path limit.
func SocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dpt")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// SkipIfSocketsDenied skips the test when the sandbox forbids unix sockets.
func SkipIfSocketsDenied(t testing.TB, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("skipping unix socket test: %v", err)
	}
}

// WaitFor polls cond until it holds or five seconds pass.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
