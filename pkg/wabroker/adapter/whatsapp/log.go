package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// logBridge routes whatsmeow's printf-style logging into slog.
type logBridge struct {
	base   *slog.Logger
	logger *slog.Logger
	module string
}

func newLogBridge(base *slog.Logger, module string) waLog.Logger {
	return &logBridge{base: base, logger: base.With("module", module), module: module}
}

func (b *logBridge) Errorf(msg string, args ...any) { b.logger.Error(fmt.Sprintf(msg, args...)) }
func (b *logBridge) Warnf(msg string, args ...any)  { b.logger.Warn(fmt.Sprintf(msg, args...)) }
func (b *logBridge) Infof(msg string, args ...any)  { b.logger.Debug(fmt.Sprintf(msg, args...)) }
func (b *logBridge) Debugf(msg string, args ...any) { b.logger.Debug(fmt.Sprintf(msg, args...)) }

// Sub returns a bridge for a nested whatsmeow module, e.g. "client/Socket".
func (b *logBridge) Sub(module string) waLog.Logger {
	return newLogBridge(b.base, b.module+"/"+module)
}
