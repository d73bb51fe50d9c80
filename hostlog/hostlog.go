// Package hostlog provides the structured logging facade used throughout the
// plugin host. It wraps github.com/go-kratos/kratos/v2/log the way the
// surrounding framework does, minus the batching and rotation machinery that
// belongs to an out-of-scope logging subsystem: every component here takes a
// log.Logger at construction and builds its own *log.Helper from it, so the
// host can swap writers or add fields (plugin name, operation) per caller.
package hostlog

import (
	"io"
	"os"

	"github.com/go-kratos/kratos/v2/log"
)

// New builds a leveled, timestamped kratos logger writing to w. Use
// os.Stdout for a demo host; production hosts should plug in whatever writer
// the surrounding deployment already uses.
func New(w io.Writer, serviceName, serviceVersion string) log.Logger {
	base := log.NewStdLogger(w)
	return log.With(base,
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.name", serviceName,
		"service.version", serviceVersion,
	)
}

// NewHelper wraps logger with the given static key/value fields (typically
// "component", "<name>") and returns a ready-to-use *log.Helper.
func NewHelper(logger log.Logger, keyvals ...any) *log.Helper {
	if logger == nil {
		logger = log.NewStdLogger(os.Stderr)
	}
	if len(keyvals) > 0 {
		logger = log.With(logger, keyvals...)
	}
	return log.NewHelper(logger)
}

// WithLevel wraps logger so that records below level are dropped. level
// accepts any of the log.LevelDebug..log.LevelFatal constants.
func WithLevel(logger log.Logger, level log.Level) log.Logger {
	return log.NewFilter(logger, log.FilterLevel(level))
}

// Component returns a child helper scoped to a single host component, e.g.
// hostlog.Component(base, "registry") or hostlog.Component(base, "plugin",
// "echo").
func Component(logger log.Logger, name string, extra ...string) *log.Helper {
	kv := []any{"component", name}
	for i, e := range extra {
		kv = append(kv, "component.qualifier", e, "component.index", i)
	}
	return NewHelper(logger, kv...)
}
