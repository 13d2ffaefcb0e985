// Package util provides logging, counters and small helpers shared by every
// udps package.
package util

import (
	"fmt"
	"os"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
	// stdout carries stream data in the CLI.
	pterm.DefaultLogger.Writer = os.Stderr
}

// Leveled logging functions backed by the pterm default logger.
// Output goes to stderr.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogEvent logs msg at info level with structured key/value pairs,
// e.g. LogEvent("session ready", "id", id, "peer", addr).
func LogEvent(msg string, kv ...any) {
	pterm.DefaultLogger.Info(msg, pterm.DefaultLogger.Args(kv...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// EnableJSON switches the logger to one JSON object per line.
func EnableJSON() {
	pterm.DefaultLogger.Formatter = pterm.LogFormatterJSON
}

// ──────────────────────────────────────────────────────────────────────────────
// pion/logging bridge
// ──────────────────────────────────────────────────────────────────────────────

// LoggerFactory routes pion components (the virtual network used by the
// transport tests, for instance) through the same pterm logger.
var LoggerFactory logging.LoggerFactory = loggerFactory{}

type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{scope: scope}
}

type scopedLogger struct{ scope string }

func (l scopedLogger) tag(msg string) string { return "[" + l.scope + "] " + msg }

func (l scopedLogger) Trace(msg string) { pterm.DefaultLogger.Trace(l.tag(msg)) }
func (l scopedLogger) Tracef(format string, args ...any) {
	pterm.DefaultLogger.Trace(l.tag(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Debug(msg string) { pterm.DefaultLogger.Debug(l.tag(msg)) }
func (l scopedLogger) Debugf(format string, args ...any) {
	pterm.DefaultLogger.Debug(l.tag(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Info(msg string) { pterm.DefaultLogger.Info(l.tag(msg)) }
func (l scopedLogger) Infof(format string, args ...any) {
	pterm.DefaultLogger.Info(l.tag(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Warn(msg string) { pterm.DefaultLogger.Warn(l.tag(msg)) }
func (l scopedLogger) Warnf(format string, args ...any) {
	pterm.DefaultLogger.Warn(l.tag(fmt.Sprintf(format, args...)))
}
func (l scopedLogger) Error(msg string) { pterm.DefaultLogger.Error(l.tag(msg)) }
func (l scopedLogger) Errorf(format string, args ...any) {
	pterm.DefaultLogger.Error(l.tag(fmt.Sprintf(format, args...)))
}
