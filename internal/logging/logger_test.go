package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(Config{Level: "debug"}, &buf), "pipeline")
	logger.Debug().Str("session_id", "s-1").Msg("stage started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewWithWriterDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "nonsense"}, &buf)
	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Info().Msg("visible")
	assert.NotZero(t, buf.Len())
}
