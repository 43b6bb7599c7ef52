package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"
)

// Severity describes a log level.
type Severity uint32

// Log Levels.
const (
	TraceLevel    Severity = 1
	DebugLevel    Severity = 2
	InfoLevel     Severity = 3
	WarningLevel  Severity = 4
	ErrorLevel    Severity = 5
	CriticalLevel Severity = 6
)

// LevelTrace and LevelCritical extend the slog levels so that trace and
// critical lines can be told apart in the output.
const (
	LevelTrace    = slog.LevelDebug - 4
	LevelCritical = slog.LevelError + 4
)

const timeFormat = "060102 15:04:05.000"

var (
	logLevelInt = uint32(InfoLevel)
	logLevel    = &logLevelInt

	initializing = abool.NewBool(false)
	started      = abool.NewBool(false)
	shutdownFlag = abool.NewBool(false)
)

func (s Severity) toSLogLevel() slog.Level {
	switch s {
	case TraceLevel:
		return LevelTrace
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarningLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	case CriticalLevel:
		return LevelCritical
	}
	// Failed to convert, return default log level
	return slog.LevelWarn
}

// Name returns the name of the log level.
func (s Severity) Name() string {
	switch s {
	case TraceLevel:
		return "trace"
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarningLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	case CriticalLevel:
		return "critical"
	default:
		return "none"
	}
}

// ParseLevel returns the level severity of a log level name.
// Returns 0 for unknown names.
func ParseLevel(level string) Severity {
	switch strings.ToLower(level) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warning", "warn":
		return WarningLevel
	case "error":
		return ErrorLevel
	case "critical":
		return CriticalLevel
	}
	return 0
}

// GetLogLevel returns the current log level.
func GetLogLevel() Severity {
	return Severity(atomic.LoadUint32(logLevel))
}

// SetLogLevel sets a new log level.
func SetLogLevel(level Severity) {
	atomic.StoreUint32(logLevel, uint32(level))
	setupSLog(level)
}

// IsStarted returns whether the logging system has been started.
func IsStarted() bool {
	return started.IsSet()
}

// Start starts the logging system. Must be called in order to see logs.
func Start(level string, logToStdout bool, logDir string) (err error) {
	if !initializing.SetToIf(false, true) {
		return nil
	}

	// Parse log level argument.
	initialLogLevel := InfoLevel
	if level != "" {
		initialLogLevel = ParseLevel(level)
		if initialLogLevel == 0 {
			fmt.Fprintf(os.Stderr, "log warning: invalid log level %q, falling back to level info\n", level)
			initialLogLevel = InfoLevel
		}
	}

	// Setup writer.
	if logToStdout || logDir == "" {
		GlobalWriter = NewStdoutWriter()
	} else {
		GlobalWriter, err = NewFileWriter(logDir)
		if err != nil {
			initializing.UnSet()
			return fmt.Errorf("failed to initialize log file: %w", err)
		}
	}

	SetLogLevel(initialLogLevel)
	started.Set()

	// Delete all logs older than one month.
	if !GlobalWriter.IsStdout() {
		if err := CleanOldLogs(logDir, 30*24*time.Hour); err != nil {
			Errorf("log: failed to clean old log files: %s", err)
		}
	}

	return nil
}

// Shutdown stops the log system and closes the log file.
func Shutdown() {
	if shutdownFlag.SetToIf(false, true) {
		GlobalWriter.Close()
	}
}
