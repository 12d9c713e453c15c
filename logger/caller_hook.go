package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skippedCallers are function prefixes never reported as the call site.
var skippedCallers = []string{"github.com/sirupsen/logrus", "pricefeed/logger."}

// callerHook points the reported caller at the first frame outside of
// logrus and this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isSkippedCaller(frame.Function) {
			entry.Caller = &frame
			break
		}
		if !more {
			break
		}
	}
	return nil
}

func isSkippedCaller(fn string) bool {
	for _, prefix := range skippedCallers {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
