package llm

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// debugEnabled reports whether wire-level logging was requested.
func debugEnabled() bool {
	return os.Getenv("CURATOR_DEBUG") == "true"
}

// debugTransport logs request and response summaries for every backend call.
type debugTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

// newHTTPClient returns the client shared by a provider's SDK or raw HTTP calls.
func newHTTPClient(logger *slog.Logger) *http.Client {
	transport := http.DefaultTransport
	if debugEnabled() {
		transport = &debugTransport{next: transport, logger: logger}
	}
	return &http.Client{Transport: transport}
}

func (t *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	debugLogRequest(t.logger, req.Method, req.URL.String(), req.Header)
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.logger.Debug("backend round trip failed", "url", req.URL.String(), "error", err)
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "ndjson") || strings.Contains(ct, "event-stream") {
		t.logger.Debug("backend response", "status", resp.Status, "streaming", true)
		return resp, nil
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	debugLogResponse(t.logger, resp, body)
	return resp, nil
}

func debugLogRequest(logger *slog.Logger, method, requestURL string, headers http.Header) {
	attrs := []any{"method", method, "url", redactURL(requestURL)}
	for key, values := range headers {
		if !isSensitiveHeader(key) {
			attrs = append(attrs, "header."+strings.ToLower(key), strings.Join(values, ", "))
		}
	}
	logger.Debug("backend request", attrs...)
}

func debugLogResponse(logger *slog.Logger, resp *http.Response, body []byte) {
	if len(body) > 200 {
		logger.Debug("backend response", "status", resp.Status, "body", string(body[:200])+"...")
		return
	}
	logger.Debug("backend response", "status", resp.Status, "body", string(body))
}

// isSensitiveHeader checks if a header carries credentials.
func isSensitiveHeader(key string) bool {
	sensitive := []string{"authorization", "x-api-key", "x-goog-api-key", "cookie"}
	for _, s := range sensitive {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}

// redactURL hides a key passed as a query parameter.
func redactURL(u string) string {
	i := strings.Index(u, "key=")
	if i < 0 {
		return u
	}
	end := strings.IndexByte(u[i:], '&')
	if end < 0 {
		return u[:i] + "key=REDACTED"
	}
	return u[:i] + "key=REDACTED" + u[i+end:]
}
