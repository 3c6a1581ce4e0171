package transform

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/agproxy/internal/signature"
)

// stopReasons maps upstream finish reasons to client-dialect stop
// reasons.
var stopReasons = map[string]string{
	"STOP":                      "end_turn",
	"MAX_TOKENS":                "max_tokens",
	"SAFETY":                    "stop_sequence",
	"RECITATION":                "stop_sequence",
	"LANGUAGE":                  "stop_sequence",
	"BLOCKLIST":                 "stop_sequence",
	"PROHIBITED_CONTENT":        "stop_sequence",
	"SPII":                      "stop_sequence",
	"MALFORMED_FUNCTION_CALL":   "tool_use",
	"OTHER":                     "end_turn",
	"FINISH_REASON_UNSPECIFIED": "end_turn",
}

func convertStopReason(reason string) string {
	if mapped, ok := stopReasons[reason]; ok {
		return mapped
	}
	return "end_turn"
}

// unwrapResponse strips the {response: {...}} double-wrap some internal
// endpoints add.
func unwrapResponse(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if inner := root.Get("response"); inner.Exists() && inner.IsObject() {
		return inner
	}
	return root
}

// TransformResponse converts a buffered upstream response into a
// client-dialect message. Thought signatures found on parts are
// harvested into the signature store.
func (t *Transformer) TransformResponse(body []byte, model string) ([]byte, error) {
	resp := unwrapResponse(body)

	candidate := resp.Get("candidates.0")
	if !candidate.Exists() {
		return nil, fmt.Errorf("no candidates in upstream response")
	}

	content := make([]map[string]any, 0, 4)
	for _, part := range candidate.Get("content.parts").Array() {
		if sig := part.Get("thoughtSignature").String(); signature.Valid(sig) {
			t.signatures.Store(sig)
		}

		switch {
		case part.Get("thought").Bool():
			block := map[string]any{
				"type":     "thinking",
				"thinking": part.Get("text").String(),
			}
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				block["signature"] = sig
			}
			content = append(content, block)
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			var args map[string]any
			_ = json.Unmarshal([]byte(fc.Get("args").Raw), &args)
			if args == nil {
				args = map[string]any{}
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString(),
				"name":  fc.Get("name").String(),
				"input": args,
			})
		case part.Get("text").Exists():
			content = append(content, map[string]any{
				"type": "text",
				"text": part.Get("text").String(),
			})
		}
	}
	if len(content) == 0 {
		content = append(content, map[string]any{"type": "text", "text": ""})
	}

	id := resp.Get("responseId").String()
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	if v := resp.Get("modelVersion").String(); v != "" {
		model = v
	}

	message := map[string]any{
		"id":      id,
		"type":    "message",
		"role":    "assistant",
		"model":   model,
		"content": content,
	}
	if reason := candidate.Get("finishReason").String(); reason != "" {
		message["stop_reason"] = convertStopReason(reason)
	}
	if usage := resp.Get("usageMetadata"); usage.Exists() {
		message["usage"] = map[string]any{
			"input_tokens":  usage.Get("promptTokenCount").Int(),
			"output_tokens": usage.Get("candidatesTokenCount").Int(),
		}
	}

	return json.Marshal(message)
}
