package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"storebot.com/pkg/logger"
)

// Go runs fn in a goroutine and logs a recovered panic instead of crashing the process.
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx is Go with a context carried into fn and into the panic log line.
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx)
		fn(ctx)
	}()
}

// Recover must be deferred directly.
func Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("goroutine panic: %v\nstack: %s\n", r, stack)
}
