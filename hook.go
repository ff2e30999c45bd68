package reactor

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Level is the kind of a runtime log line.
type Level int32

const (
	LevelTrace Level = iota
	LevelError
)

// LogHook receives every trace and error line the runtime emits. It must be
// safe for concurrent use; lines arrive from every cycle thread.
type LogHook func(level Level, msg string)

var logHook atomic.Pointer[LogHook]

// SetLogHook installs the process-wide log hook. The hook is assignable once;
// later calls are ignored and report false.
func SetLogHook(hook LogHook) bool {
	if hook == nil {
		return false
	}
	return logHook.CompareAndSwap(nil, &hook)
}

// default hook: a zerolog console logger on stdout, errors only so library
// users are not spammed with per-event traces.
var defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
	Level(zerolog.ErrorLevel).
	With().Timestamp().Logger()

func defaultHook(level Level, msg string) {
	switch level {
	case LevelTrace:
		defaultLogger.Trace().Msg(msg)
	default:
		defaultLogger.Error().Msg(msg)
	}
}

func emit(level Level, msg string) {
	if hook := logHook.Load(); hook != nil {
		(*hook)(level, msg)
		return
	}
	defaultHook(level, msg)
}

func tracef(format string, args ...any) {
	emit(LevelTrace, fmt.Sprintf(format, args...))
}

func errorf(format string, args ...any) {
	emit(LevelError, fmt.Sprintf(format, args...))
}
