package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/reelhouse/catalog/policy-engine/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "debug", Format: "json", Output: &buf})

	log := logging.Component("runs")
	log.Info().Str("run_id", "r1").Msg("run prepared")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "runs", entry["component"])
	assert.Equal(t, "policy-engine", entry["service"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "run prepared", entry["message"])
}

func TestLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	logging.Init(logging.Config{Level: "warn", Output: &buf})

	logger := logging.Logger()
	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger = logging.Logger()
	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logging.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, logging.ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, logging.ParseLevel("nonsense"))
	assert.Equal(t, zerolog.Disabled, logging.ParseLevel("off"))
}
