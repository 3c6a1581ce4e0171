package upstream

import (
	"net/http"
	"net/url"
	"time"

	"github.com/antigravity-tools/agproxy/internal/config"
)

// newHTTPClient builds a client honoring the configured outbound proxy.
// Streaming calls bound only the wait for response headers; the body is
// read for as long as the client stays connected.
func newHTTPClient(cfg *config.Config, stream bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	if cfg.UpstreamProxy.Enabled && cfg.UpstreamProxy.URL != "" {
		if proxyURL, err := url.Parse(cfg.UpstreamProxy.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{Transport: transport}
	if stream {
		transport.ResponseHeaderTimeout = timeout
	} else {
		client.Timeout = timeout
	}
	return client
}
