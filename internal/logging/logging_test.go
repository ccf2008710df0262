package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/internal/config"
	"github.com/warp/rewards-ledger/internal/logging"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, config.LogConfig{Level: slog.LevelInfo, Format: "json"})

	logger.Info("reward applied", slog.String("user_id", "alice"), slog.Int64("points", 10))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "reward applied", rec["msg"])
	assert.Equal(t, "alice", rec["user_id"])
	assert.EqualValues(t, 10, rec["points"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, config.LogConfig{Level: slog.LevelWarn, Format: "text"})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}
