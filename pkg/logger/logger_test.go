package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_RejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init("loud", "json", "stdout"))
}

func TestInit_WritesJSONToFile(t *testing.T) {
	t.Cleanup(func() { SetLogger(nil) })
	path := filepath.Join(t.TempDir(), "app.log")

	require.NoError(t, Init("info", "json", path))
	Debug("hidden")
	Info("case written", zap.String("case_id", "c-1"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "case written", entry["message"])
	assert.Equal(t, "c-1", entry["case_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "timestamp")
}
