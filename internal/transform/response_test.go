package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformResponseBasic(t *testing.T) {
	tr, _ := newTransformer()

	upstream := `{
		"responseId": "resp-123",
		"modelVersion": "gemini-3-flash",
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "Hello there."}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 12}
	}`

	out, err := tr.TransformResponse([]byte(upstream), "gemini-3-flash")
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(out, &msg))

	assert.Equal(t, "resp-123", msg["id"])
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "end_turn", msg["stop_reason"])

	content := msg["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "Hello there.", block["text"])

	usage := msg["usage"].(map[string]any)
	assert.Equal(t, float64(9), usage["input_tokens"])
	assert.Equal(t, float64(12), usage["output_tokens"])
}

func TestTransformResponseUnwrapsDoubleWrap(t *testing.T) {
	tr, _ := newTransformer()

	upstream := `{"response": {
		"responseId": "wrapped-1",
		"candidates": [{"content": {"parts": [{"text": "inner"}]}, "finishReason": "STOP"}]
	}, "traceId": "t1"}`

	out, err := tr.TransformResponse([]byte(upstream), "gemini-3-flash")
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(out, &msg))
	assert.Equal(t, "wrapped-1", msg["id"])
}

func TestTransformResponseFunctionCall(t *testing.T) {
	tr, _ := newTransformer()

	upstream := `{
		"candidates": [{
			"content": {"parts": [
				{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
			]},
			"finishReason": "STOP"
		}]
	}`

	out, err := tr.TransformResponse([]byte(upstream), "gemini-3-flash")
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(out, &msg))

	content := msg["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_weather", block["name"])
	assert.Contains(t, block["id"], "toolu_")
	assert.Equal(t, map[string]any{"city": "Oslo"}, block["input"])
}

func TestTransformResponseThoughtHarvestsSignature(t *testing.T) {
	tr, store := newTransformer()

	upstream := `{
		"candidates": [{
			"content": {"parts": [
				{"thought": true, "text": "reasoning...", "thoughtSignature": "` + storedSig + `"},
				{"text": "Answer."}
			]},
			"finishReason": "STOP"
		}]
	}`

	out, err := tr.TransformResponse([]byte(upstream), "gemini-3-pro-preview")
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(out, &msg))

	content := msg["content"].([]any)
	require.Len(t, content, 2)

	thinking := content[0].(map[string]any)
	assert.Equal(t, "thinking", thinking["type"])
	assert.Equal(t, "reasoning...", thinking["thinking"])
	assert.Equal(t, storedSig, thinking["signature"])

	assert.True(t, store.HasValid(), "response signatures are harvested")
}

func TestTransformResponseNoCandidates(t *testing.T) {
	tr, _ := newTransformer()

	_, err := tr.TransformResponse([]byte(`{"promptFeedback": {}}`), "gemini-3-flash")
	assert.Error(t, err)
}

func TestConvertStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", convertStopReason("STOP"))
	assert.Equal(t, "max_tokens", convertStopReason("MAX_TOKENS"))
	assert.Equal(t, "stop_sequence", convertStopReason("SAFETY"))
	assert.Equal(t, "tool_use", convertStopReason("MALFORMED_FUNCTION_CALL"))
	assert.Equal(t, "end_turn", convertStopReason("SOMETHING_NEW"))
}
