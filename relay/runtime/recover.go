// Package runtime provides panic-boundary helpers for the relay engines.
// Every per-key dispatch task and both engine loops recover at their own
// boundary so one panicking task can never take down siblings or the loop.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-outbox-relay/relay/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use this in defer statements for workers and loops
// where a panic must not crash the hosting process.
//
//	func worker(ctx context.Context) {
//	    defer runtime.RecoverAndLog(ctx, logger, "relay", "dispatch_cycle")
//	    // ...
//	}
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered)
	}
}

// Recovered converts a recovered panic value into an error. Call it with the
// result of recover() inside a deferred closure when the panic must become a
// structured failure result instead of merely being logged.
func Recovered(recovered any) error {
	if recovered == nil {
		return nil
	}

	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}

	return fmt.Errorf("panic: %v", recovered)
}

// SafeGo runs fn on a new goroutine with a recover boundary. A panic inside
// fn is logged and swallowed; the goroutine exits cleanly.
func SafeGo(ctx context.Context, logger log.Logger, component, name string, fn func()) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, name)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, recovered any) {
	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("name", name),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}
