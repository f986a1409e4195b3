package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	slogctx "github.com/veqryn/slog-context"
)

func TestNewCarriesContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "debug", Format: "json"})

	ctx := slogctx.Append(context.Background(), "url", "https://example.com/docs")
	logger.DebugContext(ctx, "cached")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "cached", record["msg"])
	assert.Equal(t, "https://example.com/docs", record["url"])
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "warn"})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestSetupWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "warmer.log")

	logger, cleanup, err := Setup(Config{Level: "info", File: path})
	require.NoError(t, err)
	logger.Info("warm-up complete", "cached", 3)
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "warm-up complete")
	assert.Contains(t, string(data), "cached=3")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Level: "DEBUG", Format: "JSON"}.Validate())
	assert.Error(t, Config{Level: "verbose"}.Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
}
