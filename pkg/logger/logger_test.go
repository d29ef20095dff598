package logger_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

func TestNew(t *testing.T) {
	l, err := logger.New("debug", "console")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = logger.New("shout", "")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.DebugLevel))
	require.True(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = logger.New("info", "xml")
	require.Error(t, err)
}

func TestSetGlobal(t *testing.T) {
	l := logger.NewNop().Named("test")
	restore := logger.SetGlobal(l)
	require.Same(t, l.Logger, zap.L())

	restore()
	require.NotSame(t, l.Logger, zap.L())
}
