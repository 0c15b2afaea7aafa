package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("info", FormatJSON, &buf)
	log.Debug("hidden")
	log.Info("cache swept", "expired", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "exactly one JSON record expected")
	assert.Equal(t, "cache swept", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "shelf", rec["app"])
	assert.EqualValues(t, 2, rec["expired"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", "TEXT", &buf)
	log.Debug("details quarantined", "id", "b1")
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "id=b1")
}

func TestNewUnknownFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	New("error", "xml", &buf).Error("boom")
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestNewNilWriter(t *testing.T) {
	assert.NotNil(t, New("info", FormatJSON, nil))
}
