// Package upstream dispatches authenticated calls to the internal
// generation endpoints, failing over across base URLs and classifying
// failures as retryable or terminal.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/agproxy/internal/apperr"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/provider"
)

const (
	GeneratePath   = "/v1internal:generateContent"
	StreamPath     = "/v1internal:streamGenerateContent"
	modelsPath     = "/v1internal:fetchAvailableModels"
	loadAssistPath = "/v1internal:loadCodeAssist"

	DefaultUserAgent = "antigravity/1.11.5 agproxy"
	xGoogAPIClient   = "gl-node/22.17.0"
	clientMetadata   = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// defaultBaseURLs is the built-in endpoint list, in resolution order.
var defaultBaseURLs = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
}

type Dispatcher struct {
	cfg    *config.Manager
	logger *slog.Logger
}

func NewDispatcher(cfg *config.Manager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Options configures one logical dispatch.
type Options struct {
	Token   string
	Stream  bool
	Headers map[string]string
}

// Result is the outcome of a successful dispatch. Body is set for
// buffered calls (decompressed and unwrapped); Stream for streaming
// calls, which the caller must close.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// BaseURLs resolves the endpoint list: config override when non-empty,
// else the built-ins. Trailing slashes are stripped.
func (d *Dispatcher) BaseURLs() []string {
	urls := d.cfg.Get().InternalBaseURLs
	if len(urls) == 0 {
		urls = defaultBaseURLs
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Generate posts a generation payload, streaming or buffered.
func (d *Dispatcher) Generate(ctx context.Context, payload []byte, opts Options) (*Result, error) {
	path := GeneratePath
	query := ""
	if opts.Stream {
		path = StreamPath
		query = "?alt=sse"
	}
	return d.post(ctx, path, query, payload, opts)
}

// post walks the endpoint list, issuing at most one POST per base URL.
// Non-HTTP failures and 408/429/5xx advance to the next endpoint;
// 401/403 and every other status fail fast.
func (d *Dispatcher) post(ctx context.Context, path, query string, payload []byte, opts Options) (*Result, error) {
	cfg := d.cfg.Get()
	timeout := time.Duration(cfg.Timeout()) * time.Second
	client := newHTTPClient(cfg, opts.Stream, timeout)

	bases := d.BaseURLs()
	var lastStatus int
	var lastBody []byte
	var lastErr error

	for i, base := range bases {
		attemptCtx := ctx
		var cancel context.CancelFunc = func() {}
		if !opts.Stream {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		req, err := d.buildRequest(attemptCtx, base+path+query, payload, opts)
		if err != nil {
			cancel()
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			lastStatus, lastBody, lastErr = 0, nil, err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if i+1 < len(bases) {
				d.logger.Debug("endpoint unreachable, trying fallback", "base", base, "error", err)
				continue
			}
			break
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if opts.Stream {
				// The stream outlives this call; tie cleanup to Close.
				stream, err := decompressedStream(resp, cancel)
				if err != nil {
					cancel()
					return nil, err
				}
				return &Result{Status: resp.StatusCode, Header: resp.Header, Stream: stream}, nil
			}

			body, err := readBody(resp)
			cancel()
			if err != nil {
				lastStatus, lastBody, lastErr = 0, nil, err
				if i+1 < len(bases) {
					continue
				}
				break
			}
			return &Result{Status: resp.StatusCode, Header: resp.Header, Body: unwrap(body)}, nil
		}

		body, _ := readBody(resp)
		cancel()
		lastStatus, lastBody, lastErr = resp.StatusCode, body, nil

		if terminalStatus(resp.StatusCode) {
			return nil, statusError(resp.StatusCode, body)
		}
		if i+1 < len(bases) {
			d.logger.Debug("endpoint degraded, trying fallback", "base", base, "status", resp.StatusCode)
		}
	}

	switch {
	case lastStatus != 0:
		return nil, statusError(lastStatus, lastBody)
	case lastErr != nil:
		return nil, apperr.Wrap(apperr.CodeUpstreamUnavailable, http.StatusBadGateway,
			lastErr.Error(), lastErr)
	default:
		return nil, apperr.New(apperr.CodeUpstreamUnavailable, http.StatusBadGateway,
			"no internal base url available")
	}
}

func (d *Dispatcher) buildRequest(ctx context.Context, url string, payload []byte, opts Options) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+opts.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent())
	req.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
	req.Header.Set("Client-Metadata", clientMetadata)
	if opts.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (d *Dispatcher) userAgent() string {
	if ua := d.cfg.Get().RequestUserAgent; ua != "" {
		return ua
	}
	return DefaultUserAgent
}

// terminalStatus: 401/403 is a token problem, not an endpoint problem;
// anything outside 408/429/5xx is equally pointless to retry elsewhere.
func terminalStatus(code int) bool {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return true
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return false
	case code >= 500:
		return false
	default:
		return true
	}
}

func statusError(status int, body []byte) error {
	msg := ExtractUpstreamMessage(body)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned %d", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.CodeAuthRejected, status, msg)
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.CodeRateLimited, status, msg)
	case status >= 400 && status < 500:
		return apperr.New(apperr.CodeInvalidRequest, status, msg)
	default:
		return apperr.New(apperr.CodeUpstreamUnavailable, http.StatusBadGateway, msg)
	}
}

// unwrap strips the {response: {...}} double-wrap some internal
// endpoints produce on buffered calls.
func unwrap(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() && inner.IsObject() {
		return []byte(inner.Raw)
	}
	return body
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	reader, err := decompressReader(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

func decompressReader(body io.Reader, encoding string) (io.Reader, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(body)
	case "br":
		return brotli.NewReader(body), nil
	default:
		return body, nil
	}
}

type streamBody struct {
	io.Reader
	close func() error
}

func (s *streamBody) Close() error { return s.close() }

func decompressedStream(resp *http.Response, cancel context.CancelFunc) (io.ReadCloser, error) {
	reader, err := decompressReader(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &streamBody{
		Reader: reader,
		close: func() error {
			cancel()
			return resp.Body.Close()
		},
	}, nil
}

// DiscoverProject resolves the cloud project bound to the token via the
// loadCodeAssist endpoint.
func (d *Dispatcher) DiscoverProject(ctx context.Context, token string) (string, error) {
	payload := []byte(`{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`)

	res, err := d.post(ctx, loadAssistPath, "", payload, Options{Token: token})
	if err != nil {
		return "", err
	}

	projectID := gjson.GetBytes(res.Body, "cloudaicompanionProject").String()
	if projectID == "" {
		return "", apperr.New(apperr.CodeUpstreamUnavailable, http.StatusBadGateway,
			"project discovery returned no project")
	}
	return projectID, nil
}

// FetchQuota pulls the per-model quota snapshot for the token's
// account.
func (d *Dispatcher) FetchQuota(ctx context.Context, token string) (provider.Quota, error) {
	res, err := d.post(ctx, modelsPath, "", []byte(`{}`), Options{Token: token})
	if err != nil {
		return nil, err
	}

	quota := make(provider.Quota)
	for _, m := range gjson.GetBytes(res.Body, "models").Array() {
		name := m.Get("model").String()
		if name == "" {
			name = m.Get("name").String()
		}
		if name == "" {
			continue
		}

		mq := provider.ModelQuota{
			Percentage: m.Get("quotaInfo.remainingFraction").Float() * 100,
		}
		if raw := m.Get("quotaInfo.resetTime").String(); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				utc := t.UTC()
				mq.ResetTime = &utc
			}
		}
		quota[name] = mq
	}
	return quota, nil
}
