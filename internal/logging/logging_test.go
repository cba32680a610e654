package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "warn", Service: "xchainradar"}, &buf), "pipeline")

	logger.Info().Msg("dropped")
	logger.Warn().Str("day", "2025-08-29").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "xchainradar", entry["service"])
	assert.Equal(t, "2025-08-29", entry["day"])
	assert.Contains(t, entry, "time")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := New(Config{Level: "chatty"}, &bytes.Buffer{})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), New(Config{}, &buf))
	zerolog.Ctx(ctx).Info().Msg("via ctx")
	assert.Contains(t, buf.String(), "via ctx")
}
