package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf)
	t.Cleanup(func() { SetLevel("info") })

	SetLevel("warn")
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	SetLevel("debug")
	logger.Debug("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	SetLevel("nonsense")
	buf.Reset()
	logger.Debug("hidden again")
	assert.Empty(t, buf.String())
}

func TestChannelLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	l := &ChannelLogger{side: "client", logger: NewLogger(&buf)}

	ctx := WithCorrelationID(context.Background(), "corr-1")
	l.LogError(ctx, "u1", errors.New("boom"), "like")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "websocket error", entry["msg"])
	assert.Equal(t, "client", entry["side"])
	assert.Equal(t, "like", entry["event"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "corr-1", entry["correlation_id"])
}

func TestExtractCorrelationID_Missing(t *testing.T) {
	t.Parallel()
	assert.Empty(t, ExtractCorrelationID(context.Background()))
}
