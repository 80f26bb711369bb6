package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("trace"))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger("debug", "console"))
	require.NoError(t, InitLogger("info", "json"))
	assert.NotNil(t, GetLogger())
}

func TestGetLoggerFallback(t *testing.T) {
	logger = nil
	assert.NotNil(t, GetLogger())
}
