package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/AzRea7/OneHaven/outbound/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for workers where a panic
// must not crash the process.
//
//	func worker(ctx context.Context) {
//	    defer runtime.RecoverAndLog(ctx, logger, "outbox", "dispatch_loop")
//	    // ...
//	}
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered, debug.Stack())
	}
}

// RecoverAndCrash recovers from a panic, logs it, and re-panics. Use for
// critical sections where continuing after a panic would be dangerous.
func RecoverAndCrash(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered, debug.Stack())
		panic(recovered)
	}
}

// SafeGo runs fn on a new goroutine with panic recovery attached.
func SafeGo(ctx context.Context, logger log.Logger, component, name string, fn func()) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, name)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("source", name),
		log.String("panic", fmt.Sprintf("%v", panicValue)),
		log.String("stack_trace", string(stack)),
	)
}
