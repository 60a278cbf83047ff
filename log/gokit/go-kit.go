// Package gokit provides a log.Logger implementation backed by go-kit/log.
package gokit

import (
	"fmt"
	"os"

	gklog "github.com/go-kit/kit/log"
	gklevel "github.com/go-kit/kit/log/level"

	"github.com/corewind/ftpserver/log"
)

// Re-exported go-kit valuers so embedders don't have to import go-kit themselves just to
// build the usual "ts"/"caller" fields.
var (
	GKDefaultTimestampUTC = gklog.DefaultTimestampUTC //nolint:gochecknoglobals
	GKDefaultCaller       = gklog.DefaultCaller       //nolint:gochecknoglobals
)

type gKLogger struct {
	logger gklog.Logger
}

func (logger *gKLogger) checkError(err error) {
	if err != nil {
		fmt.Println("logging backend error:", err)
	}
}

func (logger *gKLogger) log(gklogger gklog.Logger, event string, keyvals ...interface{}) {
	keyvals = append(keyvals, "event", event)
	logger.checkError(gklogger.Log(keyvals...))
}

// Debug logs key-values at debug level.
func (logger *gKLogger) Debug(event string, keyvals ...interface{}) {
	logger.log(gklevel.Debug(logger.logger), event, keyvals...)
}

// Info logs key-values at info level.
func (logger *gKLogger) Info(event string, keyvals ...interface{}) {
	logger.log(gklevel.Info(logger.logger), event, keyvals...)
}

// Warn logs key-values at warn level.
func (logger *gKLogger) Warn(event string, keyvals ...interface{}) {
	logger.log(gklevel.Warn(logger.logger), event, keyvals...)
}

// Error logs key-values at error level.
func (logger *gKLogger) Error(event string, keyvals ...interface{}) {
	logger.log(gklevel.Error(logger.logger), event, keyvals...)
}

// With adds key-values that will be attached to every subsequent log line.
func (logger *gKLogger) With(keyvals ...interface{}) log.Logger {
	return NewGKLogger(gklog.With(logger.logger, keyvals...))
}

// NewGKLogger creates a logger based on an existing go-kit logger.
func NewGKLogger(logger gklog.Logger) log.Logger {
	return &gKLogger{logger: logger}
}

// NewGKLoggerStdout creates a logfmt logger writing to stdout with sane defaults.
func NewGKLoggerStdout() log.Logger {
	base := gklog.NewLogfmtLogger(gklog.NewSyncWriter(os.Stdout))
	base = gklog.With(base, "ts", gklog.DefaultTimestampUTC, "caller", gklog.Caller(5))

	return NewGKLogger(base)
}
