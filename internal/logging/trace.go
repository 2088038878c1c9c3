package logging

import (
	"fmt"
	"time"
)

// DebugStart logs the start of an operation at debug level and returns a
// function that logs its outcome and duration.
func DebugStart(logger *Logger, operation string, format string, args ...interface{}) func(error) {
	if logger == nil {
		return func(error) {}
	}

	if format != "" {
		logger.Debug("%s: start (%s)", operation, fmt.Sprintf(format, args...))
	} else {
		logger.Debug("%s: start", operation)
	}

	started := time.Now()
	return func(err error) {
		elapsed := time.Since(started).Round(time.Millisecond)
		if err != nil {
			logger.Debug("%s: failed after %s: %v", operation, elapsed, err)
			return
		}
		logger.Debug("%s: done in %s", operation, elapsed)
	}
}
