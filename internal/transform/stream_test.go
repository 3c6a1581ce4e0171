package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformStreamTextFlow(t *testing.T) {
	tr, _ := newTransformer()
	state := &StreamState{Model: "gemini-3-flash"}

	first := `{"response": {
		"responseId": "resp-1",
		"modelVersion": "gemini-3-flash",
		"candidates": [{"content": {"parts": [{"text": "Hel"}]}}],
		"usageMetadata": {"promptTokenCount": 5}
	}}`

	events, err := tr.TransformStream([]byte(first), state)
	require.NoError(t, err)

	out := string(events)
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, `"id":"resp-1"`)
	assert.Contains(t, out, "event: content_block_start")
	assert.Contains(t, out, `"type":"text_delta"`)
	assert.Contains(t, out, `"text":"Hel"`)

	second := `{"response": {"candidates": [{"content": {"parts": [{"text": "lo."}]}}]}}`
	events, err = tr.TransformStream([]byte(second), state)
	require.NoError(t, err)

	out = string(events)
	assert.NotContains(t, out, "message_start", "message_start is sent once")
	assert.NotContains(t, out, "content_block_start", "same-kind parts extend the open block")
	assert.Contains(t, out, `"text":"lo."`)

	final := `{"response": {"candidates": [{"content": {"parts": []}, "finishReason": "STOP"}],
		"usageMetadata": {"candidatesTokenCount": 7}}}`
	events, err = tr.TransformStream([]byte(final), state)
	require.NoError(t, err)

	out = string(events)
	assert.Contains(t, out, "event: content_block_stop")
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, `"output_tokens":7`)
	assert.Contains(t, out, "event: message_stop")
}

func TestTransformStreamToolUse(t *testing.T) {
	tr, _ := newTransformer()
	state := &StreamState{Model: "gemini-3-flash"}

	chunk := `{"response": {"candidates": [{"content": {"parts": [
		{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
	]}}]}}`

	events, err := tr.TransformStream([]byte(chunk), state)
	require.NoError(t, err)

	out := string(events)
	assert.Contains(t, out, `"type":"tool_use"`)
	assert.Contains(t, out, `"name":"get_weather"`)
	assert.Contains(t, out, `"type":"input_json_delta"`)
	assert.Contains(t, out, `\"city\"`)
	assert.Contains(t, out, "content_block_stop", "tool_use blocks close immediately")
}

func TestTransformStreamThinkingAndSignature(t *testing.T) {
	tr, store := newTransformer()
	state := &StreamState{Model: "gemini-3-pro-preview"}

	chunk := `{"response": {"candidates": [{"content": {"parts": [
		{"thought": true, "text": "hmm", "thoughtSignature": "` + storedSig + `"}
	]}}]}}`

	events, err := tr.TransformStream([]byte(chunk), state)
	require.NoError(t, err)

	out := string(events)
	assert.Contains(t, out, `"type":"thinking"`)
	assert.Contains(t, out, `"type":"thinking_delta"`)
	assert.Contains(t, out, `"type":"signature_delta"`)
	assert.True(t, store.HasValid(), "streamed signatures are harvested")
}

func TestTransformStreamKindTransition(t *testing.T) {
	tr, _ := newTransformer()
	state := &StreamState{Model: "gemini-3-pro-preview"}

	chunk := `{"response": {"candidates": [{"content": {"parts": [
		{"thought": true, "text": "thinking first"},
		{"text": "then answering"}
	]}}]}}`

	events, err := tr.TransformStream([]byte(chunk), state)
	require.NoError(t, err)

	out := string(events)
	// thinking block opens at 0, closes, text opens at 1
	assert.Contains(t, out, `"index":0`)
	assert.Contains(t, out, `"index":1`)
	assert.Equal(t, 2, strings.Count(out, "event: content_block_start"))
	assert.Equal(t, 1, strings.Count(out, "event: content_block_stop"))
}

func TestTransformStreamMalformedFrame(t *testing.T) {
	tr, _ := newTransformer()
	state := &StreamState{}

	_, err := tr.TransformStream([]byte("not json"), state)
	assert.Error(t, err)
}

func TestTransformStreamGeneratesMessageID(t *testing.T) {
	tr, _ := newTransformer()
	state := &StreamState{Model: "gemini-3-flash"}

	chunk := `{"candidates": [{"content": {"parts": [{"text": "x"}]}}]}`
	events, err := tr.TransformStream([]byte(chunk), state)
	require.NoError(t, err)

	assert.Contains(t, string(events), `"id":"msg_`)
}
