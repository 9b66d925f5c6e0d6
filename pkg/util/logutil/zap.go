package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogPanic logs the panic reason and stack, then re-panics.
// Commonly used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Error("panic", zap.Reflect("recover", e), zap.Stack("stack"))
		panic(e)
	}
}

// LogPanicAndExit logs the panic reason, then exits the process.
// Commonly used with a `defer`.
func LogPanicAndExit(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic and exit", zap.Reflect("recover", e))
	}
}

// IncreaseLevel increases the log level of logger if the level is enabled.
func IncreaseLevel(logger *zap.Logger, level zapcore.Level) *zap.Logger {
	if logger.Core().Enabled(level) {
		return logger.WithOptions(zap.IncreaseLevel(level))
	}
	return logger
}
