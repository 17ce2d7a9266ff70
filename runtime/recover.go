package runtime

import (
	"context"
	"fmt"

	"github.com/meridianware/lib-outbox/log"
)

// RecoverAndLog recovers a panic in the calling goroutine and logs it with
// component/operation tags instead of crashing the process. Use in a defer.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(
		ctx,
		log.LevelError,
		"panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.String("panic", fmt.Sprintf("%v", recovered)),
	)
}

// SafeGo starts fn on a new goroutine with panic containment. A panicking
// fn is logged under the given name and the goroutine exits cleanly.
func SafeGo(logger log.Logger, name string, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, "goroutine", name)

		fn()
	}()
}
