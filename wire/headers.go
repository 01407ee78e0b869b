package wire

import (
	"net/http"
	"strings"
)

// hopByHopHeaders must not cross the tunnel in either direction (RFC 7230 §6.1).
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// sensitiveRequestHeaders are stripped from inbound requests before they are
// forwarded to the agent. The broker consumes Authorization itself; cookies
// belong to the public origin, not the local one.
var sensitiveRequestHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"host":          {},
}

func isSafeHeaderValue(v string) bool {
	// Prevent header injection / response splitting.
	return !strings.ContainsAny(v, "\r\n")
}

// SanitizeRequestHeaders lowercases keys and drops hop-by-hop and sensitive
// headers from an inbound HTTP request. Multi-valued headers are joined with
// ", " since the wire schema is flat string->string.
func SanitizeRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			continue
		}
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		if _, sens := sensitiveRequestHeaders[name]; sens {
			continue
		}
		joined := strings.Join(vv, ", ")
		if !isSafeHeaderValue(joined) {
			continue
		}
		out[name] = joined
	}
	return out
}

// SanitizeResponseHeaders drops hop-by-hop headers from an agent-provided
// response header map and lowercases keys.
func SanitizeResponseHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			continue
		}
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		// content-length is recomputed from the actual body.
		if name == "content-length" {
			continue
		}
		if !isSafeHeaderValue(v) {
			continue
		}
		out[name] = v
	}
	return out
}

// CopyToHTTPHeader writes a sanitized flat header map onto an http.Header.
func CopyToHTTPHeader(dst http.Header, in map[string]string) {
	for k, v := range in {
		dst.Set(http.CanonicalHeaderKey(k), v)
	}
}
