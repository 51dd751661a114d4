package logging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zynqa/confmirror/internal/config"
)

func TestNewAcceptsDocumentedLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		for _, format := range []string{"", "json", "text"} {
			logger, err := New(config.LoggingConfig{Level: level, Format: format})
			require.NoError(t, err, "level=%q format=%q", level, format)
			require.NotNil(t, logger)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"})
	require.ErrorContains(t, err, "unsupported level")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "xml"})
	require.ErrorContains(t, err, "unsupported format")
}
