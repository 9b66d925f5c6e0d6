package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogPanic(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.InfoLevel)
	obsLogger := zap.New(obsZapCore)

	logPanic := func() {
		defer LogPanic(obsLogger)
		panic("test panic here")
	}

	recovered := make(chan interface{})
	go func() {
		defer func() {
			recovered <- recover()
		}()
		logPanic()
	}()
	re.Equal("test panic here", <-recovered)

	entries := obsLogs.AllUntimed()
	re.Len(entries, 1)
	re.Equal(zapcore.ErrorLevel, entries[0].Entry.Level)
	re.Equal("panic", entries[0].Entry.Message)
	re.Equal("recover", entries[0].Context[0].Key)
	re.Equal("test panic here", entries[0].Context[0].Interface)
}

func TestIncreaseLevel(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.DebugLevel)
	logger := IncreaseLevel(zap.New(obsZapCore), zapcore.WarnLevel)

	logger.Debug("quiet")
	logger.Warn("loud")

	entries := obsLogs.AllUntimed()
	re.Len(entries, 1)
	re.Equal("loud", entries[0].Entry.Message)
}
