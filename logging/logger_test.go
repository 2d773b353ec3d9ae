package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, config.LoggingConfig{Level: "info", Format: "json"}))

	logger.Debug("hidden")
	logger.Info("task claimed", "task_id", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task claimed", entry["msg"])
	assert.Equal(t, float64(7), entry["task_id"])
}

func TestNewHandler_RequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, config.LoggingConfig{Level: "info", Format: "json"})).With("component", "campaign_flow")

	ctx := context.WithValue(context.Background(), utils.RequestIDKey, "req-42")
	ctx = context.WithValue(ctx, utils.EndpointKey, "/api/v1/campaigns")
	logger.InfoContext(ctx, "campaign imported")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "/api/v1/campaigns", entry["endpoint"])
	assert.Equal(t, "campaign_flow", entry["component"])
	assert.NotContains(t, entry, "ip")

	buf.Reset()
	logger.Info("no request")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, buf.String(), "request_id")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestNew_FileWithoutPath(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: "file"})
	assert.Error(t, err)
}
