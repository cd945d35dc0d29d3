package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "WARN")
	l.Info("session_registered", "user_id", 1)
	assert.Zero(t, buf.Len())

	l.Warn("notify_failed", "user_id", 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "notify_failed", rec["msg"])
	assert.Equal(t, float64(2), rec["user_id"])
	assert.Contains(t, rec, "source")
}

func TestUnknownLevelIsInfo(t *testing.T) {
	assert.Equal(t, "INFO", levelFromString("verbose").Level().String())
	assert.Equal(t, "DEBUG", levelFromString(" debug ").Level().String())
}
