package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_LevelAndServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "api-server", "warn")

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Str("ledger", "dental:2026-03-04").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "api-server", line["service"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "dental:2026-03-04", line["ledger"])
	assert.Contains(t, line, "time")
}

func TestNewWithWriter_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "worker", "loud")

	logger.Debug().Msg("dropped")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("kept")
	assert.NotZero(t, buf.Len())
}
