package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/antigravity-tools/agproxy/internal/account"
	"github.com/antigravity-tools/agproxy/internal/apperr"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/transform"
	"github.com/antigravity-tools/agproxy/internal/upstream"
)

// generator is the slice of the dispatcher this handler consumes.
type generator interface {
	Generate(ctx context.Context, payload []byte, opts upstream.Options) (*upstream.Result, error)
}

// MessagesHandler is the proxy front door: it selects an account,
// rewrites the request, dispatches upstream, and translates the
// response back.
type MessagesHandler struct {
	pool        *account.Pool
	transformer *transform.Transformer
	dispatcher  generator
	cfg         *config.Manager
	logger      *slog.Logger
}

func NewMessagesHandler(pool *account.Pool, transformer *transform.Transformer, dispatcher generator, cfg *config.Manager, logger *slog.Logger) *MessagesHandler {
	return &MessagesHandler{
		pool:        pool,
		transformer: transformer,
		dispatcher:  dispatcher,
		cfg:         cfg,
		logger:      logger,
	}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"failed to read request body", err))
		return
	}

	var req transform.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"malformed request body", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, h.logger, apperr.New(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"model and messages are required"))
		return
	}

	acct, err := h.pool.GetActive()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	inputTokens := countInputTokens(string(body))

	err = h.serve(w, r, &req, acct, inputTokens)
	if apperr.HasCode(err, apperr.CodeRateLimited) {
		h.pool.MarkRateLimited(acct.ID)

		// MarkRateLimited re-selects when auto-switch is on; a fresh
		// active account means one retry is worth it.
		if h.cfg.Get().AutoSwitchEnabled {
			if next, errActive := h.pool.GetActive(); errActive == nil && next.ID != acct.ID {
				h.logger.Info("retrying on switched account", "from", acct.ID, "to", next.ID)
				err = h.serve(w, r, &req, next, inputTokens)
			}
		}
	}
	if err != nil {
		writeError(w, h.logger, err)
	}
}

// serve runs one full attempt against one account. It writes nothing to
// the client before the upstream dispatch succeeds, so a returned error
// always leaves the connection retryable.
func (h *MessagesHandler) serve(w http.ResponseWriter, r *http.Request, req *transform.Request, acct *account.Account, inputTokens int) error {
	ctx := r.Context()

	token, err := h.pool.AccessToken(ctx, acct.ID)
	if err != nil {
		return err
	}

	projectID, err := h.pool.ProjectFor(ctx, acct.ID)
	if err != nil {
		return err
	}

	result, err := h.transformer.TransformRequest(req, projectID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, http.StatusBadRequest, err.Error(), err)
	}

	payload, err := json.Marshal(result.Request)
	if err != nil {
		return fmt.Errorf("encode upstream payload: %w", err)
	}

	h.logger.Info("proxying request",
		"account", acct.Email,
		"model", req.Model,
		"resolved_model", result.ResolvedModel,
		"stream", req.Stream,
		"input_tokens", inputTokens,
	)

	res, err := h.dispatcher.Generate(ctx, payload, upstream.Options{
		Token:  token,
		Stream: req.Stream,
	})
	if err != nil {
		return err
	}

	h.pool.Touch(acct.ID)

	if req.Stream {
		h.streamResponse(w, r, res, result.ResolvedModel)
	} else {
		h.bufferedResponse(w, res, result.ResolvedModel)
	}
	return nil
}

func (h *MessagesHandler) streamResponse(w http.ResponseWriter, r *http.Request, res *upstream.Result, model string) {
	defer res.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(res.Stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	state := &transform.StreamState{Model: model}

	for scanner.Scan() {
		if r.Context().Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		frame := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if frame == "" || frame == "[DONE]" {
			continue
		}

		events, err := h.transformer.TransformStream([]byte(frame), state)
		if err != nil {
			h.logger.Error("stream transformation error", "error", err)
			continue
		}
		if len(events) > 0 {
			if _, err := w.Write(events); err != nil {
				return
			}
			flush(w)
		}
	}

	if err := scanner.Err(); err != nil && r.Context().Err() == nil {
		h.logger.Error("stream read error", "error", err)
	}
}

func (h *MessagesHandler) bufferedResponse(w http.ResponseWriter, res *upstream.Result, model string) {
	translated, err := h.transformer.TransformResponse(res.Body, model)
	if err != nil {
		h.logger.Warn("response translation failed, passing original through", "error", err)
		translated = res.Body
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(translated)
}

func countInputTokens(text string) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}
	return len(tke.Encode(text, nil, nil))
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// writeError renders the boundary error shape: the taxonomy code (with
// hint) as the error type and the human message alongside.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	ae := apperr.FromError(err)
	logger.Error("request failed", "code", ae.Token(), "message", ae.Message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    ae.Token(),
			"message": ae.Message,
		},
	})
}
