// Package goroutine provides panic recovery for background goroutines.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const stackBufferSize = 4096

// Recover logs a recovered panic with its stack trace. Deferred at the top
// of every background goroutine so a single bad unit of work cannot crash
// the process. Falls back to stderr when the logger is nil.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)
	if logger != nil {
		logger.Errorw("goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "panic in goroutine %s: %v\n%s\n", name, r, buf[:n])
}
