package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestGetLogLevel(t *testing.T) {
	tests := map[string]zap.AtomicLevel{
		"":      zap.NewAtomicLevelAt(zap.InfoLevel),
		"debug": zap.NewAtomicLevelAt(zap.DebugLevel),
		"WARN":  zap.NewAtomicLevelAt(zap.WarnLevel),
		"error": zap.NewAtomicLevelAt(zap.ErrorLevel),
		"bogus": zap.NewAtomicLevelAt(zap.InfoLevel),
	}

	for value, want := range tests {
		t.Run(value, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", value)
			assert.Equal(t, want.Level(), getLogLevel())
		})
	}
}

func TestGetLogPathHonoursLogDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOG_DIR", dir)

	assert.Equal(t, filepath.Join(dir, logFileName), getLogPath())
}

func TestNewNamedLogger(t *testing.T) {
	t.Setenv("LOG_DIR", t.TempDir())

	l := NewNamedLogger("test")
	assert.NotNil(t, l)
	assert.Equal(t, "test", l.Desugar().Name())
}
