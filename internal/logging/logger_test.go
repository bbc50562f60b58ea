package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zap.AtomicLevel{
		"debug": zap.NewAtomicLevelAt(zap.DebugLevel),
		"INFO":  zap.NewAtomicLevelAt(zap.InfoLevel),
		"":      zap.NewAtomicLevelAt(zap.InfoLevel),
		"warn":  zap.NewAtomicLevelAt(zap.WarnLevel),
		"error": zap.NewAtomicLevelAt(zap.ErrorLevel),
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want.Level(), got, in)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNewBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := New(config.LogConfig{Level: "warn", Format: format})
		require.NoError(t, err, format)
		assert.False(t, logger.Core().Enabled(zap.InfoLevel), format)
		assert.True(t, logger.Core().Enabled(zap.WarnLevel), format)
	}
}
