package models

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/nstogner/deskpilot/pkg/logging"
)

// LoggingTransport dumps provider HTTP traffic at trace level.
type LoggingTransport struct {
	Base  http.RoundTripper
	Label string
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if !slog.Default().Enabled(req.Context(), logging.LevelTrace) {
		return base.RoundTrip(req)
	}

	// Dump request
	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump provider request", "provider", t.Label, "error", err)
	} else {
		slog.Log(req.Context(), logging.LevelTrace, "Provider request", "provider", t.Label, "url", req.URL.String(), "dump", redact(string(reqDump)))
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// For streaming, don't dump body to avoid consuming it.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump provider response", "provider", t.Label, "error", err)
	} else {
		slog.Log(req.Context(), logging.LevelTrace, "Provider response", "provider", t.Label, "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

// redact hides credential headers in a request dump.
func redact(dump string) string {
	lines := strings.Split(dump, "\r\n")
	for i, l := range lines {
		lower := strings.ToLower(l)
		if strings.HasPrefix(lower, "authorization:") || strings.HasPrefix(lower, "x-goog-api-key:") {
			name, _, _ := strings.Cut(l, ":")
			lines[i] = name + ": [redacted]"
		}
	}
	return strings.Join(lines, "\r\n")
}
