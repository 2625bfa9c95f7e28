// Package util provides logging, process-wide counters and small helpers
// shared by the recorder, the uploaders and the cast service.
package util

import (
	"fmt"
	"slices"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Logger writes through the pterm default logger, tagging every line with
// a fixed set of key/value fields. The zero value logs without fields.
type Logger struct {
	fields []any
}

// Named returns a logger whose lines carry the given component name.
func Named(component string) Logger {
	return Logger{fields: []any{"component", component}}
}

// With returns a copy of l that also carries key=value.
func (l Logger) With(key string, value any) Logger {
	return Logger{fields: append(slices.Clip(l.fields), key, value)}
}

func (l Logger) Debugf(format string, args ...any) { l.log(pterm.LogLevelDebug, format, args) }
func (l Logger) Infof(format string, args ...any)  { l.log(pterm.LogLevelInfo, format, args) }
func (l Logger) Warnf(format string, args ...any)  { l.log(pterm.LogLevelWarn, format, args) }
func (l Logger) Errorf(format string, args ...any) { l.log(pterm.LogLevelError, format, args) }

func (l Logger) log(level pterm.LogLevel, format string, args []any) {
	logger := pterm.DefaultLogger
	// Skip formatting when the line would not be printed.
	if !logger.CanPrint(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	var extra [][]pterm.LoggerArgument
	if len(l.fields) > 0 {
		extra = append(extra, logger.Args(l.fields...))
	}

	switch level {
	case pterm.LogLevelDebug:
		logger.Debug(msg, extra...)
	case pterm.LogLevelInfo:
		logger.Info(msg, extra...)
	case pterm.LogLevelWarn:
		logger.Warn(msg, extra...)
	default:
		logger.Error(msg, extra...)
	}
}

var root Logger

// Package-level shorthands used by the CLI, logging without fields.

func LogDebug(format string, args ...any)   { root.Debugf(format, args...) }
func LogInfo(format string, args ...any)    { root.Infof(format, args...) }
func LogSuccess(format string, args ...any) { root.Infof(format, args...) }
func LogWarning(format string, args ...any) { root.Warnf(format, args...) }
func LogError(format string, args ...any)   { root.Errorf(format, args...) }

// EnableDebug lowers the threshold so debug lines are printed.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
