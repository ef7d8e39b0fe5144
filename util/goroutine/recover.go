// Package goroutine holds helpers for the worker goroutines of the detector,
// the policy engine and the dispatcher.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"vigil/metrics"

	"go.uber.org/zap"
)

// StackTraceBufferSize is the buffer size for stack trace collection
const StackTraceBufferSize = 8192

// Recover stops a panic from taking the process down with the worker. It
// must be deferred directly. name labels the panic metric, so it should
// name the kind of worker rather than an instance.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	metrics.GoroutinePanics.WithLabelValues(name).Inc()

	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, buf[:n])
		return
	}
	logger.Errorw("Goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(buf[:n]))
}

// Go runs fn in a new goroutine guarded by Recover.
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}
