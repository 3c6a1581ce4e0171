package transform

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/agproxy/internal/signature"
)

// StreamState tracks the client-dialect framing built up across
// upstream SSE chunks of one response.
type StreamState struct {
	MessageStartSent bool
	MessageID        string
	Model            string

	// nextIndex is the content block index to allocate; openType is the
	// kind of the currently open block ("" when none).
	nextIndex int
	openType  string

	Done bool
}

// TransformStream converts one decoded upstream SSE frame into zero or
// more client-dialect SSE events. Thought signatures on parts are
// harvested into the signature store as they stream past.
func (t *Transformer) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	if !gjson.ValidBytes(chunk) {
		return nil, fmt.Errorf("malformed stream frame")
	}
	resp := unwrapResponse(chunk)

	var events []byte

	if id := resp.Get("responseId").String(); id != "" && state.MessageID == "" {
		state.MessageID = id
	}
	if model := resp.Get("modelVersion").String(); model != "" && state.Model == "" {
		state.Model = model
	}

	candidate := resp.Get("candidates.0")
	if !candidate.Exists() {
		return events, nil
	}

	if !state.MessageStartSent {
		events = append(events, t.messageStartEvent(state, resp)...)
		state.MessageStartSent = true
	}

	for _, part := range candidate.Get("content.parts").Array() {
		events = append(events, t.handleStreamPart(part, state)...)
	}

	if reason := candidate.Get("finishReason").String(); reason != "" && !state.Done {
		events = append(events, closeOpenBlock(state)...)
		events = append(events, formatSSEEvent("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"type":        "message_delta",
				"stop_reason": convertStopReason(reason),
			},
			"usage": map[string]any{
				"output_tokens": resp.Get("usageMetadata.candidatesTokenCount").Int(),
			},
		})...)
		events = append(events, formatSSEEvent("message_stop", map[string]any{
			"type": "message_stop",
		})...)
		state.Done = true
	}

	return events, nil
}

func (t *Transformer) handleStreamPart(part gjson.Result, state *StreamState) []byte {
	var events []byte

	sig := part.Get("thoughtSignature").String()
	if signature.Valid(sig) {
		t.signatures.Store(sig)
	}

	switch {
	case part.Get("thought").Bool():
		events = append(events, openBlock(state, "thinking", map[string]any{
			"type":     "thinking",
			"thinking": "",
		})...)
		if text := part.Get("text").String(); text != "" {
			events = append(events, blockDelta(state, map[string]any{
				"type":     "thinking_delta",
				"thinking": text,
			})...)
		}
		if sig != "" {
			events = append(events, blockDelta(state, map[string]any{
				"type":      "signature_delta",
				"signature": sig,
			})...)
		}

	case part.Get("functionCall").Exists():
		fc := part.Get("functionCall")
		events = append(events, closeOpenBlock(state)...)
		events = append(events, openBlock(state, "tool_use", map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + uuid.NewString(),
			"name":  fc.Get("name").String(),
			"input": map[string]any{},
		})...)
		if args := fc.Get("args"); args.Exists() {
			events = append(events, blockDelta(state, map[string]any{
				"type":         "input_json_delta",
				"partial_json": args.Raw,
			})...)
		}
		// One functionCall per part; nothing more streams into it.
		events = append(events, closeOpenBlock(state)...)

	case part.Get("text").Exists():
		events = append(events, openBlock(state, "text", map[string]any{
			"type": "text",
			"text": "",
		})...)
		if text := part.Get("text").String(); text != "" {
			events = append(events, blockDelta(state, map[string]any{
				"type": "text_delta",
				"text": text,
			})...)
		}
	}

	return events
}

func (t *Transformer) messageStartEvent(state *StreamState, resp gjson.Result) []byte {
	if state.MessageID == "" {
		state.MessageID = "msg_" + uuid.NewString()
	}
	return formatSSEEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            state.MessageID,
			"type":          "message",
			"role":          "assistant",
			"model":         state.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  resp.Get("usageMetadata.promptTokenCount").Int(),
				"output_tokens": 1,
			},
		},
	})
}

// openBlock starts a block of kind at the next index unless one of the
// same kind is already open. Text and thinking blocks accumulate across
// chunks; a kind change closes the previous block.
func openBlock(state *StreamState, kind string, contentBlock map[string]any) []byte {
	if state.openType == kind {
		return nil
	}

	var events []byte
	events = append(events, closeOpenBlock(state)...)
	events = append(events, formatSSEEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         state.nextIndex,
		"content_block": contentBlock,
	})...)
	state.openType = kind
	return events
}

func closeOpenBlock(state *StreamState) []byte {
	if state.openType == "" {
		return nil
	}
	events := formatSSEEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": state.nextIndex,
	})
	state.openType = ""
	state.nextIndex++
	return events
}

func blockDelta(state *StreamState, delta map[string]any) []byte {
	return formatSSEEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": state.nextIndex,
		"delta": delta,
	})
}

func formatSSEEvent(eventType string, data map[string]any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, jsonData))
}
