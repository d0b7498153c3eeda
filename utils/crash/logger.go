package crash

import (
	"runtime/debug"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

// UsingLogger returns a panic handler that records the panic and its stack
// through the provided logger before re-raising it.
func UsingLogger(log logger.Logger, opts PanicWrapperOpts) panicHandler {
	return &loggerNotifier{log: log, opts: opts}
}

type loggerNotifier struct {
	log  logger.Logger
	opts PanicWrapperOpts
}

func (n *loggerNotifier) Notify(team string) func() {
	return func() {
		if r := recover(); r != nil {
			n.log.Errorw("Panic detected",
				"team", team,
				"appVersion", n.opts.AppVersion,
				"releaseStage", n.opts.ReleaseStage,
				"appType", n.opts.AppType,
				"error", r,
				"stacktrace", string(debug.Stack()),
			)
			panic(r)
		}
	}
}
