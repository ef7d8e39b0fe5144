package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks records the goroutine count and fails the test if it has
// not dropped back to that baseline shortly after the test ends. Call it
// first in tests that start and stop workers.
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 20*time.Millisecond)
}

// AssertNoLeaksWithTimeout is AssertNoLeaks with an explicit grace period.
func AssertNoLeaksWithTimeout(t testing.TB, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		if WaitForGoroutineCount(before, timeout, pollInterval) {
			return
		}
		current := runtime.NumGoroutine()
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Errorf("goroutine leak: started with %d goroutines, ended with %d", before, current)
		t.Logf("Active goroutines:\n%s", buf[:n])
	})
}

// WaitForGoroutineCount polls until at most target goroutines are running.
// It reports whether that happened before timeout.
func WaitForGoroutineCount(target int, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if runtime.NumGoroutine() <= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
