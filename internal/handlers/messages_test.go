package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-tools/agproxy/internal/account"
	"github.com/antigravity-tools/agproxy/internal/apperr"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/credstore"
	"github.com/antigravity-tools/agproxy/internal/signature"
	"github.com/antigravity-tools/agproxy/internal/transform"
	"github.com/antigravity-tools/agproxy/internal/upstream"
)

type fakeOAuth struct{}

func (fakeOAuth) Exchange(_ context.Context, code string) (*account.Credential, *account.Identity, error) {
	return &account.Credential{
			AccessToken: "access-" + code,
			Expiry:      time.Now().Add(time.Hour).Unix(),
		}, &account.Identity{
			Email: code + "@example.com",
		}, nil
}

func (fakeOAuth) Refresh(context.Context, string) (*account.Credential, error) {
	return &account.Credential{AccessToken: "refreshed"}, nil
}

type fakeDiscovery struct{}

func (fakeDiscovery) DiscoverProject(context.Context, string) (string, error) {
	return "proj-test", nil
}

// fakeGenerator scripts the dispatcher's answers per call.
type fakeGenerator struct {
	calls   atomic.Int32
	results []func() (*upstream.Result, error)
}

func (f *fakeGenerator) Generate(context.Context, []byte, upstream.Options) (*upstream.Result, error) {
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.results) {
		n = len(f.results) - 1
	}
	return f.results[n]()
}

func okResult() (*upstream.Result, error) {
	body := `{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`
	return &upstream.Result{Status: 200, Body: []byte(body)}, nil
}

func rateLimited() (*upstream.Result, error) {
	return nil, apperr.New(apperr.CodeRateLimited, http.StatusTooManyRequests, "quota exhausted")
}

func newTestHandler(t *testing.T, gen *fakeGenerator, autoSwitch bool, emails ...string) (*MessagesHandler, *account.Pool) {
	t.Helper()

	dataDir := t.TempDir()
	cfgMgr := config.NewManager(dataDir)
	cfg, err := cfgMgr.Load()
	require.NoError(t, err)
	cfg.AutoSwitchEnabled = autoSwitch
	require.NoError(t, cfgMgr.Save(cfg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := account.NewPool(
		account.NewStorage(dataDir),
		credstore.NewDefault(dataDir),
		fakeOAuth{},
		fakeDiscovery{},
		cfgMgr,
		logger,
	)
	for _, email := range emails {
		_, err := pool.Add(context.Background(), email, false)
		require.NoError(t, err)
	}

	transformer := transform.New(signature.NewStore(0))
	return NewMessagesHandler(pool, transformer, gen, cfgMgr, logger), pool
}

func messagesRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
}

const simpleBody = `{"model":"gemini-3-flash","max_tokens":64,"messages":[{"role":"user","content":"ping"}]}`

func TestMessagesNoAccount(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeGenerator{results: []func() (*upstream.Result, error){okResult}}, false)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(simpleBody))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_NO_ACCOUNT")
}

func TestMessagesMalformedBody(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeGenerator{results: []func() (*upstream.Result, error){okResult}}, false, "alice")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(`{"model":"gemini-3-flash"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_INVALID_REQUEST")
}

func TestMessagesNonStreaming(t *testing.T) {
	gen := &fakeGenerator{results: []func() (*upstream.Result, error){okResult}}
	handler, pool := newTestHandler(t, gen, false, "alice")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(simpleBody))

	require.Equal(t, http.StatusOK, rec.Code)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "message", msg["type"])
	content := msg["content"].([]any)
	assert.Equal(t, "pong", content[0].(map[string]any)["text"])

	// Serving a request touches last_used.
	active, err := pool.GetActive()
	require.NoError(t, err)
	assert.NotZero(t, active.LastUsed)
}

func TestMessagesRateLimitRetriesOnceAfterSwitch(t *testing.T) {
	gen := &fakeGenerator{results: []func() (*upstream.Result, error){rateLimited, okResult}}
	handler, pool := newTestHandler(t, gen, true, "alice", "bob")

	first, err := pool.GetActive()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(simpleBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), gen.calls.Load())

	marked, err := pool.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, account.StatusRateLimited, marked.Status)

	active, err := pool.GetActive()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, active.ID, "retry ran on the switched account")
}

func TestMessagesSecondRateLimitSurfaces(t *testing.T) {
	gen := &fakeGenerator{results: []func() (*upstream.Result, error){rateLimited, rateLimited}}
	handler, _ := newTestHandler(t, gen, true, "alice", "bob")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(simpleBody))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_RATE_LIMITED")
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestMessagesRateLimitNoAutoSwitchSurfaces(t *testing.T) {
	gen := &fakeGenerator{results: []func() (*upstream.Result, error){rateLimited, okResult}}
	handler, _ := newTestHandler(t, gen, false, "alice", "bob")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(simpleBody))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, int32(1), gen.calls.Load(), "no retry without auto-switch")
}

func TestMessagesStreaming(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"response":{"responseId":"r1","candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}}`,
		"",
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}]}}`,
		"",
	}, "\n")

	gen := &fakeGenerator{results: []func() (*upstream.Result, error){func() (*upstream.Result, error) {
		return &upstream.Result{
			Status: 200,
			Stream: io.NopCloser(strings.NewReader(sse)),
		}, nil
	}}}
	handler, _ := newTestHandler(t, gen, false, "alice")

	body := strings.Replace(simpleBody, `"max_tokens":64`, `"max_tokens":64,"stream":true`, 1)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, `"text":"Hel"`)
	assert.Contains(t, out, `"text":"lo"`)
	assert.Contains(t, out, "event: message_stop")
}

func TestMessagesAuthErrorPassesThrough(t *testing.T) {
	gen := &fakeGenerator{results: []func() (*upstream.Result, error){func() (*upstream.Result, error) {
		return nil, apperr.New(apperr.CodeAuthRejected, http.StatusUnauthorized, "token rejected")
	}}}
	handler, _ := newTestHandler(t, gen, true, "alice", "bob")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, messagesRequest(simpleBody))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_AUTH_REJECTED")
	assert.Equal(t, int32(1), gen.calls.Load(), "auth failures are never retried")
}
