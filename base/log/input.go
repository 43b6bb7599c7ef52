package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

func log(level Severity, msg string) {
	slogLevel := level.toSLogLevel()
	logger := slog.Default()
	if !logger.Enabled(context.Background(), slogLevel) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip "Callers", "log" and the exported helper.
	r := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])
	_ = logger.Handler().Handle(context.Background(), r)
}

// Trace is used to log tiny steps.
func Trace(msg string) {
	log(TraceLevel, msg)
}

// Tracef is used to log tiny steps.
func Tracef(format string, things ...interface{}) {
	log(TraceLevel, fmt.Sprintf(format, things...))
}

// Debug is used to log minor errors or unexpected events. These occurrences are usually not worth mentioning in itself, but they might hint at a bigger problem.
func Debug(msg string) {
	log(DebugLevel, msg)
}

// Debugf is used to log minor errors or unexpected events. These occurrences are usually not worth mentioning in itself, but they might hint at a bigger problem.
func Debugf(format string, things ...interface{}) {
	log(DebugLevel, fmt.Sprintf(format, things...))
}

// Info is used to log mildly significant events. Should be used to inform about somewhat bigger or user affecting events that happen.
func Info(msg string) {
	log(InfoLevel, msg)
}

// Infof is used to log mildly significant events. Should be used to inform about somewhat bigger or user affecting events that happen.
func Infof(format string, things ...interface{}) {
	log(InfoLevel, fmt.Sprintf(format, things...))
}

// Warning is used to log (potentially) bad events, but nothing broke (even a little) and there is no need to panic yet.
func Warning(msg string) {
	log(WarningLevel, msg)
}

// Warningf is used to log (potentially) bad events, but nothing broke (even a little) and there is no need to panic yet.
func Warningf(format string, things ...interface{}) {
	log(WarningLevel, fmt.Sprintf(format, things...))
}

// Error is used to log errors that break or impair functionality. The task/process may have to be aborted and tried again later. The system is still operational. Maybe User/Admin should be informed.
func Error(msg string) {
	log(ErrorLevel, msg)
}

// Errorf is used to log errors that break or impair functionality. The task/process may have to be aborted and tried again later. The system is still operational.
func Errorf(format string, things ...interface{}) {
	log(ErrorLevel, fmt.Sprintf(format, things...))
}

// Critical is used to log events that completely break the system. Operation cannot continue. User/Admin must be informed.
func Critical(msg string) {
	log(CriticalLevel, msg)
}

// Criticalf is used to log events that completely break the system. Operation cannot continue. User/Admin must be informed.
func Criticalf(format string, things ...interface{}) {
	log(CriticalLevel, fmt.Sprintf(format, things...))
}
