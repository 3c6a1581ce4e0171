package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-tools/agproxy/internal/signature"
)

// modelRoutes maps client-dialect model names to upstream internal
// model IDs. Unknown names pass through verbatim.
var modelRoutes = map[string]string{
	"claude-3-5-haiku-20241022":  "gemini-3-flash",
	"claude-3-5-haiku-latest":    "gemini-3-flash",
	"claude-sonnet-4-20250514":   "claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"gemini-2.0-flash":           "gemini-3-flash",
}

// Transformer rewrites client-dialect requests into the upstream
// schema. Stateless apart from the injected signature store.
type Transformer struct {
	signatures *signature.Store
}

func New(signatures *signature.Store) *Transformer {
	return &Transformer{signatures: signatures}
}

// Result carries the rewritten request plus routing metadata.
type Result struct {
	Request              *GeminiInternalRequest
	ResolvedModel        string
	UsedInternalEndpoint bool
}

// TransformRequest rewrites req for the upstream, binding projectID at
// the top level.
func (t *Transformer) TransformRequest(req *Request, projectID string) (*Result, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("request has no model")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	resolved, routed := resolveModel(req.Model)

	out := &GeminiInternalRequest{
		Model:   resolved,
		Project: projectID,
	}

	contents, err := t.translateMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out.Contents = contents

	out.SystemInstruction = buildSystemInstruction(req.System)

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		out.Tools = []ToolDecl{{FunctionDeclarations: decls}}
	}

	gc := &GenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
	}
	if tc := t.thinkingConfig(req); tc != nil {
		gc.ThinkingConfig = tc
	}
	if gc.MaxOutputTokens != 0 || gc.Temperature != nil || gc.TopP != nil || gc.ThinkingConfig != nil {
		out.GenerationConfig = gc
	}

	return &Result{
		Request:              out,
		ResolvedModel:        resolved,
		UsedInternalEndpoint: routed || strings.HasPrefix(resolved, "gemini-") || strings.HasPrefix(resolved, "claude-"),
	}, nil
}

// thinkingConfig applies the thinking safety rule: a request that
// declares tools without a stored thought signature silently loses its
// thinkingConfig, whatever the model resolved to. The upstream rejects
// such conversations with a 400 when prior function calls carry no
// signatures.
func (t *Transformer) thinkingConfig(req *Request) *ThinkingConfig {
	if req.Thinking == nil || req.Thinking.Type != "enabled" {
		return nil
	}
	if len(req.Tools) > 0 && !t.signatures.HasValid() {
		return nil
	}
	return &ThinkingConfig{ThinkingBudget: req.Thinking.BudgetTokens}
}

func resolveModel(model string) (resolved string, routed bool) {
	if mapped, ok := modelRoutes[model]; ok {
		return mapped, true
	}
	return model, false
}

// buildSystemInstruction assembles the systemInstruction parts: the
// core-owned identity block first unless the user already claims the
// identity, then the user's own system prompt. Never more than one
// identity block per request.
func buildSystemInstruction(system json.RawMessage) *Content {
	userSystem := flattenSystem(system)

	var parts []Part
	if needsIdentity(userSystem) {
		parts = append(parts, Part{Text: identityBlock})
	}
	if userSystem != "" {
		parts = append(parts, Part{Text: userSystem})
	}
	if len(parts) == 0 {
		return nil
	}
	return &Content{Role: "user", Parts: parts}
}

// flattenSystem accepts the two client encodings of system: a bare
// string or an array of text blocks.
func flattenSystem(system json.RawMessage) string {
	if len(system) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(system, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(system, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n\n")
	}
	return ""
}

func (t *Transformer) translateMessages(messages []Message) ([]Content, error) {
	contents := make([]Content, 0, len(messages))

	for i, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		parts, err := t.translateContent(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func (t *Transformer) translateContent(content json.RawMessage) ([]Part, error) {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []Part{{Text: s}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, fmt.Errorf("unsupported content shape")
	}

	var parts []Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Text: b.Text})
			}
		case "thinking":
			part := Part{Thought: true, Text: b.Thinking}
			if signature.Valid(b.Signature) {
				part.ThoughtSignature = b.Signature
				t.signatures.StoreFor(b.ID, b.Signature)
				t.signatures.Store(b.Signature)
			}
			parts = append(parts, part)
		case "redacted_thinking":
			// Opaque; nothing the upstream can replay.
		case "tool_use":
			part := Part{FunctionCall: &FunctionCall{Name: b.Name, Args: b.Input}}
			if sig, ok := t.signatures.Lookup(b.ID); ok {
				part.ThoughtSignature = sig
			} else if sig, ok := t.signatures.Latest(); ok {
				part.ThoughtSignature = sig
			}
			parts = append(parts, part)
		case "tool_result":
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				Name:     b.ToolUseID,
				Response: toolResultPayload(b.Content),
			}})
		}
	}
	return parts, nil
}

// toolResultPayload wraps bare-string tool output in an object; the
// upstream's proto layer rejects unstructured responses.
func toolResultPayload(content json.RawMessage) any {
	if len(content) == 0 {
		return map[string]any{}
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return map[string]any{"content": s}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		return map[string]any{"content": strings.Join(texts, "\n")}
	}

	var obj map[string]any
	if err := json.Unmarshal(content, &obj); err == nil {
		return obj
	}
	return map[string]any{"content": string(content)}
}
