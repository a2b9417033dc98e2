package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/internal/config"
)

func TestBuildAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "", "warn", "warning", "error"} {
		logger, err := Build(config.LoggingConfig{Level: level, Structured: true})
		require.NoError(t, err, "level %q", level)
		assert.NotNil(t, logger)
	}
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build(config.LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestBuildChoosesHandlerFromStructuredFlag(t *testing.T) {
	textLogger, err := Build(config.LoggingConfig{Level: "info", Structured: false})
	require.NoError(t, err)
	assert.NotNil(t, textLogger)

	jsonLogger, err := Build(config.LoggingConfig{Level: "info", Structured: true})
	require.NoError(t, err)
	assert.NotNil(t, jsonLogger)
}
