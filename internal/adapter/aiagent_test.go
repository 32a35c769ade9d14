package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAIAgentStartDefaultsAndClose(t *testing.T) {
	a := NewAIAgent().(*AIAgent)

	var opened bool
	emit := func(channel, typ string, payload []byte) {
		if channel == "system:status" && typ == "open" {
			opened = true
		}
	}

	cfg, _ := json.Marshal(AIAgentConfig{APIKey: "test-key"})
	require.NoError(t, a.Start(context.Background(), cfg, emit))

	assert.True(t, opened)
	assert.Equal(t, PermissionAsk, a.cfg.PermissionMode)
	assert.Equal(t, 50, a.cfg.TurnCap)

	require.NoError(t, a.Close("test done"))
	require.NoError(t, a.Close("idempotent"))
}

func TestAIAgentResizeUnsupported(t *testing.T) {
	a := NewAIAgent()
	assert.ErrorIs(t, a.Resize(80, 24), ErrUnsupported)
}

func TestAIAgentWriteAfterCloseFails(t *testing.T) {
	a := NewAIAgent().(*AIAgent)
	emit := func(channel, typ string, payload []byte) {}

	cfg, _ := json.Marshal(AIAgentConfig{APIKey: "test-key"})
	require.NoError(t, a.Start(context.Background(), cfg, emit))
	require.NoError(t, a.Close("done"))

	err := a.Write([]byte("hello"))
	assert.Error(t, err)
}

func TestToolParams(t *testing.T) {
	tools, err := toolParams([]AIAgentTool{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace",
			Properties:  json.RawMessage(`{"path":{"type":"string"}}`),
		},
		{Name: "list_files"},
	})
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "read_file", tools[0].OfTool.Name)
	assert.Equal(t, "Read a file from the workspace", tools[0].OfTool.Description.Value)
	props, ok := tools[0].OfTool.InputSchema.Properties.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "path")

	assert.Equal(t, "list_files", tools[1].OfTool.Name)
}

func TestToolParamsRejectsBadDefinitions(t *testing.T) {
	_, err := toolParams([]AIAgentTool{{Description: "no name"}})
	assert.Error(t, err)

	_, err = toolParams([]AIAgentTool{{Name: "x", Properties: json.RawMessage(`not-json`)}})
	assert.Error(t, err)

	tools, err := toolParams(nil)
	require.NoError(t, err)
	assert.Nil(t, tools)
}

func TestResolveToolCallByPermissionMode(t *testing.T) {
	text, isError := resolveToolCall(PermissionAllow)
	assert.False(t, isError)
	assert.NotEmpty(t, text)

	_, isError = resolveToolCall(PermissionDeny)
	assert.True(t, isError)

	_, isError = resolveToolCall(PermissionAsk)
	assert.True(t, isError)
}

func TestAIAgentWriteBadToolConfigEmitsErrorWithoutClosing(t *testing.T) {
	a := NewAIAgent().(*AIAgent)

	var mu sync.Mutex
	var errEvents, closeEvents int
	emit := func(channel, typ string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case channel == "ai:error":
			errEvents++
		case channel == "system:status" && typ == "close":
			closeEvents++
		}
	}

	cfg, _ := json.Marshal(map[string]any{
		"apiKey": "test-key",
		"tools":  []map[string]any{{"description": "missing name"}},
	})
	require.NoError(t, a.Start(context.Background(), cfg, emit))

	require.NoError(t, a.Write([]byte("hello")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, errEvents)
	assert.Equal(t, 0, closeEvents)
}

// TestTurnRetryBackoffRetriesTransientFailures locks in the shape of a
// turn's retry policy: transient errors are retried up to turnMaxRetries
// times with backoff, and the last error is surfaced once retries run out.
func TestTurnRetryBackoffRetriesTransientFailures(t *testing.T) {
	b := newTurnRetryBackoff(context.Background())

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return errors.New("transient stream error")
	}, b)

	assert.Error(t, err)
	assert.Equal(t, turnMaxRetries+1, attempts)
}

// TestTurnRetryBackoffStopsOnSuccess confirms a later attempt succeeding
// stops the retry loop without exhausting turnMaxRetries.
func TestTurnRetryBackoffStopsOnSuccess(t *testing.T) {
	b := newTurnRetryBackoff(context.Background())

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient stream error")
		}
		return nil
	}, b)

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
