package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// httpDialer tries Streamable HTTP first and falls back to the legacy SSE
// transport, unless shouldPreferSSE picks SSE outright.
func httpDialer(c *sessionClient, spec Spec) dialFunc {
	tracker := newSessionIDTracker("")
	return func(ctx context.Context) (*mcp.ClientSession, error) {
		tracker.Reset("")
		headers := headersFromMap(spec.Headers)
		httpClient := decorateHTTPClient(spec.HTTPClient, headers, tracker, spec.AuthProvider)

		var streamErr error
		if !shouldPreferSSE(spec) {
			streamable := &mcp.StreamableClientTransport{
				Endpoint:   spec.URL,
				HTTPClient: httpClient,
				MaxRetries: spec.MaxRetries,
			}
			session, err := c.attempt(ctx, streamable)
			if err == nil {
				tracker.Set(session.ID())
				return session, nil
			}
			streamErr = err
			c.opts.Logger.Debug("streamable http failed, falling back to sse", "server", spec.ServerID, "error", err)
		}
		sse := &mcp.SSEClientTransport{Endpoint: spec.URL, HTTPClient: httpClient}
		session, err := c.attempt(ctx, sse)
		if err != nil {
			if streamErr != nil {
				return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
			}
			return nil, err
		}
		tracker.Set(session.ID())
		return session, nil
	}
}

func shouldPreferSSE(spec Spec) bool {
	if spec.PreferSSE != nil {
		return *spec.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(spec.URL), "/sse")
}

func headersFromMap(values map[string]string) http.Header {
	if len(values) == 0 {
		return nil
	}
	h := make(http.Header, len(values))
	for k, v := range values {
		h.Set(k, v)
	}
	return h
}

func decorateHTTPClient(base *http.Client, headers http.Header, tracker *sessionIDTracker, provider AuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      cloneHeader(headers),
		tracker:      tracker,
		authProvider: provider,
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	return h.Clone()
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	tracker      *sessionIDTracker
	authProvider AuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil {
		if sessionID := d.tracker.Value(); sessionID != "" && req.Header.Get(sessionIDHeaderName) == "" {
			req.Header.Set(sessionIDHeaderName, sessionID)
		}
	}
	if err := applyAuth(req.Context(), req.Header, d.authProvider); err != nil {
		return nil, err
	}
	return d.next.RoundTrip(req)
}

func applyAuth(ctx context.Context, h http.Header, provider AuthProvider) error {
	if provider == nil || h.Get("Authorization") != "" {
		return nil
	}
	token, err := provider(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		h.Set("Authorization", token)
	}
	return nil
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func newSessionIDTracker(initial string) *sessionIDTracker {
	return &sessionIDTracker{value: initial}
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Reset(value string) { s.Set(value) }

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}
