package natsexecutor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubjectForNamespacesByTaskName(t *testing.T) {
	require.Equal(t, "mageflow.tasks.send_email", subjectFor("send_email"))
}

func TestWireMessageRoundTripsPayloadMetadataAndAttempt(t *testing.T) {
	wm := wireMessage{
		Payload:  map[string]any{"k": "v"},
		Metadata: map[string]any{"task_data": map[string]any{"task_id": "sig:1"}},
		Attempt:  2,
	}
	data, err := json.Marshal(wm)
	require.NoError(t, err)

	var got wireMessage
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, wm.Payload, got.Payload)
	require.Equal(t, 2, got.Attempt)
}

func TestNewAppliesDefaultPublishRateLazily(t *testing.T) {
	e := New(nil, Config{PerTaskPublishRate: 5})
	require.Empty(t, e.limits, "no per-task limiter is created until first publish attempt")

	rl := e.limiterFor("task_a", e.defaultRate)
	require.NotNil(t, rl)
	require.Contains(t, e.limits, "task_a")
}

func TestWithPublishRateLimitOverridesPerTask(t *testing.T) {
	e := New(nil, Config{})
	e.WithPublishRateLimit("hot_task", 100)
	require.Contains(t, e.limits, "hot_task")
}
