package upstream

import (
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// maxErrorRead bounds how much of a still-open error stream is consumed
// while hunting for a structured message.
const maxErrorRead = 512 * 1024

// ExtractUpstreamMessage digs a human-readable message out of whatever
// the upstream attached to a failure: a decoded JSON object, a raw
// string or byte buffer, or a still-open stream. Returns "" when
// nothing structured is found, so the raw error string surfaces.
func ExtractUpstreamMessage(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case map[string]any:
		if msg := messageFromObject(v); msg != "" {
			return msg
		}
		return ""
	case string:
		return messageFromText(v)
	case []byte:
		return messageFromText(string(v))
	case io.Reader:
		data, _ := io.ReadAll(io.LimitReader(v, maxErrorRead))
		return messageFromText(string(data))
	default:
		return ""
	}
}

func messageFromObject(obj map[string]any) string {
	if errObj, ok := obj["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if msg, ok := obj["message"].(string); ok {
		return msg
	}
	return ""
}

func messageFromText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if gjson.Valid(text) {
		if msg := messageFromJSON(gjson.Parse(text)); msg != "" {
			return msg
		}
	}

	// Not a bare JSON document; try each SSE data frame.
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		frame := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if frame == "" || !gjson.Valid(frame) {
			continue
		}
		if msg := messageFromJSON(gjson.Parse(frame)); msg != "" {
			return msg
		}
	}
	return ""
}

func messageFromJSON(root gjson.Result) string {
	if msg := root.Get("error.message").String(); msg != "" {
		return msg
	}
	return root.Get("message").String()
}
