package log

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

func setupSLog(level Severity) {
	handlerLogLevel := level.toSLogLevel()

	var logHandler slog.Handler
	if GlobalWriter != nil {
		logHandler = tint.NewHandler(GlobalWriter, &tint.Options{
			AddSource:   true,
			Level:       handlerLogLevel,
			TimeFormat:  timeFormat,
			NoColor:     !GlobalWriter.IsStdout(),
			ReplaceAttr: replaceLevelNames,
		})
	} else {
		logHandler = tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       handlerLogLevel,
			TimeFormat:  timeFormat,
			NoColor:     true,
			ReplaceAttr: replaceLevelNames,
		})
	}

	// Set as default logger.
	slog.SetDefault(slog.New(logHandler))
	// Set actual log level.
	slog.SetLogLoggerLevel(handlerLogLevel)
}

func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRC")
	case LevelCritical:
		a.Value = slog.StringValue("CRT")
	}
	return a
}
