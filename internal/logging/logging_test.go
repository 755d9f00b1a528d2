package logging_test

import (
	"testing"

	"github.com/atlas-desktop/ruinlab/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, logging.ParseLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, logging.ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, logging.ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	for _, enc := range []string{"console", "json", ""} {
		logger, err := logging.New(logging.Config{Level: "warn", Encoding: enc})
		require.NoError(t, err, enc)
		assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	}
}
