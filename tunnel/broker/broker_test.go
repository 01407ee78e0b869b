package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/ratelimit"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/wire"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testKeyfunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	return testSecret, nil
}

func signToken(t *testing.T, user, tier string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  "https://issuer.test",
		"aud":  "relaydesk",
		"sub":  user,
		"tier": tier,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestBroker(t *testing.T, mutate func(*Config)) (*Broker, *httptest.Server) {
	t.Helper()
	v, err := auth.New(auth.Config{
		Issuer:   "https://issuer.test",
		Audience: "relaydesk",
		Keyfunc:  testKeyfunc,
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Validator:      v,
		AdminToken:     "admin-secret",
		PingInterval:   time.Minute,
		PongTimeout:    time.Minute,
		RequestTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	b.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func dialAgent(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel"
	hdr := http.Header{"Authorization": {"Bearer " + token}}
	c, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial agent: %v (resp=%v)", err, resp)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// runEchoAgent answers every tunneled request with a 200 echoing the path and
// body, and keeps the heartbeat alive.
func runEchoAgent(t *testing.T, c *websocket.Conn) {
	t.Helper()
	go func() {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			v, err := wire.Decode(msg, 0)
			if err != nil {
				continue
			}
			switch m := v.(type) {
			case *wire.HTTPRequest:
				body := append([]byte(m.Path+"|"), m.Body...)
				frame, _ := wire.Encode(wire.NewHTTPResponse(m.ID, 200, map[string]string{"x-echo": "yes"}, body), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			case *wire.Ping:
				frame, _ := wire.Encode(wire.NewPong(m.ID, time.Now().UnixMilli()), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()
}

func doProxy(t *testing.T, srv *httptest.Server, method, path, token string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, body)
	}
	return eb.Error.Code
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProxyRoundTrip(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")
	runEchoAgent(t, dialAgent(t, srv, tok))

	resp, body := doProxy(t, srv, http.MethodPost, "/api/tunnel/u1/hello?q=1", tok, []byte("ping"))
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := string(body); got != "/hello?q=1|ping" {
		t.Fatalf("body = %q", got)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Fatalf("missing X-Correlation-Id")
	}
	if resp.Header.Get("x-echo") != "yes" {
		t.Fatalf("agent response headers not forwarded")
	}
}

func TestDirectProxyRoute(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")
	runEchoAgent(t, dialAgent(t, srv, tok))

	resp, body := doProxy(t, srv, http.MethodGet, "/api/direct-proxy/u1/status", tok, nil)
	if resp.StatusCode != 200 || string(body) != "/status|" {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}
}

func TestProxyRequiresToken(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/x", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errorCode(t, body) != string(rderrors.CodeTokenMissing) {
		t.Fatalf("code = %s", body)
	}
}

func TestProxyRejectsWrongUser(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")
	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/someone-else/x", tok, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if errorCode(t, body) != string(rderrors.CodeForbidden) {
		t.Fatalf("code = %s", body)
	}
}

func TestProxyAgentOffline(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")
	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/x", tok, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errorCode(t, body) != string(rderrors.CodeAgentOffline) {
		t.Fatalf("code = %s", body)
	}
	if got := resp.Header.Get("Retry-After"); got != "5" {
		t.Fatalf("agent_offline Retry-After = %q, want 5", got)
	}
}

func TestProxyTimeoutOverrideClamped(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.RequestTimeout = 500 * time.Millisecond
		cfg.MaxRequestTimeout = time.Second
	})
	tok := signToken(t, "u1", "enterprise")
	c := dialAgent(t, srv, tok)
	timeouts := make(chan int64, 1)
	go func() {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			switch m := mustDecode(msg).(type) {
			case *wire.HTTPRequest:
				timeouts <- m.TimeoutMS
				frame, _ := wire.Encode(wire.NewHTTPResponse(m.ID, 200, nil, nil), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			case *wire.Ping:
				frame, _ := wire.Encode(wire.NewPong(m.ID, 0), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/tunnel/u1/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Timeout-Ms", "86400000") // A day.
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case ms := <-timeouts:
		if ms != 1000 {
			t.Fatalf("agent saw timeout %dms, want the 1000ms cap", ms)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received the request")
	}
}

func TestHandshakeRateLimitedByIP(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(ratelimit.Config{PerIPPerMinute: 1}, zerolog.Nop())
	})
	tok := signToken(t, "u1", "premium")
	runEchoAgent(t, dialAgent(t, srv, tok)) // Burns the single per-IP token.

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel"
	hdr := http.Header{"Authorization": {"Bearer " + tok}}
	c, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err == nil {
		c.Close()
		t.Fatal("second handshake from the same address should have been rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp = %+v", resp)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if errorCode(t, body) != string(rderrors.CodeRateLimitExceeded) {
		t.Fatalf("code = %s", body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("handshake rejection must carry Retry-After")
	}
}

func TestHandshakeAuthTimeout(t *testing.T) {
	slow, err := auth.New(auth.Config{
		Issuer:   "https://issuer.test",
		Audience: "relaydesk",
		Keyfunc: func(tok *jwt.Token) (any, error) {
			time.Sleep(500 * time.Millisecond)
			return testKeyfunc(tok)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.Validator = slow
		cfg.AuthTimeout = 50 * time.Millisecond
	})
	tok := signToken(t, "u1", "enterprise")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tunnel"
	start := time.Now()
	c, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + tok}})
	if err == nil {
		c.Close()
		t.Fatal("handshake should have been cut off by the auth timeout")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %+v", resp)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if errorCode(t, body) != string(rderrors.CodeServerUnavailable) {
		t.Fatalf("code = %s", body)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("handshake took %v; the slow keyfunc was not cut off", elapsed)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRequestSpansLogged(t *testing.T) {
	var buf syncBuffer
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(ratelimit.Config{}, zerolog.Nop())
		cfg.Logger = zerolog.New(&buf)
	})
	tok := signToken(t, "u1", "enterprise")
	runEchoAgent(t, dialAgent(t, srv, tok))

	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/traced", tok, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	logs := buf.String()
	for _, op := range []string{"tunnel.forward_request", "auth.validate_token", "rate_limit.check"} {
		if !strings.Contains(logs, op) {
			t.Fatalf("no %s span in logs:\n%s", op, logs)
		}
	}
	if !strings.Contains(logs, "correlation_id") {
		t.Fatal("forward spans must carry the correlation id")
	}
}

func TestProxyPathTraversal(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")

	// Bypass ServeMux path canonicalization to exercise the guard directly.
	req := httptest.NewRequest(http.MethodGet, "http://broker/api/tunnel/u1/../u2/secret", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	b.handleProxy(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if errorCode(t, rec.Body.Bytes()) != string(rderrors.CodePathTraversal) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestProxyRateLimit(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.Limiter = ratelimit.New(ratelimit.Config{}, zerolog.Nop())
	})
	tok := signToken(t, "u1", "free")
	runEchoAgent(t, dialAgent(t, srv, tok))

	// Free tier has burst 1: the second immediate request is rejected.
	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/a", tok, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("first request: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("X-RateLimit-Limit = %q", resp.Header.Get("X-RateLimit-Limit"))
	}
	resp, body = doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/b", tok, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: %d %s", resp.StatusCode, body)
	}
	if errorCode(t, body) != string(rderrors.CodeRateLimitExceeded) {
		t.Fatalf("code = %s", body)
	}
	if resp.Header.Get("Retry-After") == "" || resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("rate limit headers missing: %+v", resp.Header)
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.RequestTimeout = 150 * time.Millisecond
	})
	tok := signToken(t, "u1", "enterprise")
	c := dialAgent(t, srv, tok)
	// Agent that swallows requests but keeps the heartbeat alive.
	go func() {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if m, ok := mustDecode(msg).(*wire.Ping); ok {
				frame, _ := wire.Encode(wire.NewPong(m.ID, 0), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()

	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/slow", tok, nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if errorCode(t, body) != string(rderrors.CodeUpstreamTimeout) {
		t.Fatalf("code = %s", body)
	}
}

func mustDecode(msg []byte) any {
	v, _ := wire.Decode(msg, 0)
	return v
}

func TestProxyAgentErrorFrame(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")
	c := dialAgent(t, srv, tok)
	go func() {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			switch m := mustDecode(msg).(type) {
			case *wire.HTTPRequest:
				frame, _ := wire.Encode(wire.NewError(m.ID, string(rderrors.CodeConnectionRefused),
					string(rderrors.CategoryNetwork), "dial tcp: connection refused", 0), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			case *wire.Ping:
				frame, _ := wire.Encode(wire.NewPong(m.ID, 0), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()

	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/down", tok, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if errorCode(t, body) != string(rderrors.CodeConnectionRefused) {
		t.Fatalf("code = %s", body)
	}
}

func TestSessionCapRejectsExcess(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "free") // Free tier: one session.
	runEchoAgent(t, dialAgent(t, srv, tok))

	c2 := dialAgent(t, srv, tok)
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c2.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error frame before close: %v", err)
	}
	m, ok := mustDecode(msg).(*wire.Error)
	if !ok || m.Code != string(rderrors.CodeSessionLimit) {
		t.Fatalf("frame = %s", msg)
	}
	// The connection is then closed by the broker.
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Fatalf("second session should have been closed")
	}
}

func TestHeartbeatTimeoutClosesSession(t *testing.T) {
	b, srv := newTestBroker(t, func(cfg *Config) {
		cfg.PingInterval = 30 * time.Millisecond
		cfg.PongTimeout = 90 * time.Millisecond
	})
	tok := signToken(t, "u1", "enterprise")
	c := dialAgent(t, srv, tok)
	// Never answer pings; drain reads so the close frame is observed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed for missing heartbeats")
	}
	waitFor(t, time.Second, func() bool { return b.Registry().SessionCount("u1") == 0 },
		"session still registered after heartbeat timeout")
}

func TestCrossSessionResponseClosesOffender(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "premium") // Premium: up to three sessions.

	// First session receives requests but never answers; it reports the ids.
	c1 := dialAgent(t, srv, tok)
	ids := make(chan string, 1)
	go func() {
		for {
			_, msg, err := c1.ReadMessage()
			if err != nil {
				return
			}
			switch m := mustDecode(msg).(type) {
			case *wire.HTTPRequest:
				ids <- m.ID
			case *wire.Ping:
				frame, _ := wire.Encode(wire.NewPong(m.ID, 0), 0)
				_ = c1.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()
	// Second session will answer a request it never received.
	c2 := dialAgent(t, srv, tok)

	go doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/x", tok, nil)

	var id string
	select {
	case id = <-ids:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never received the request")
	}

	frame, _ := wire.Encode(wire.NewHTTPResponse(id, 200, nil, []byte("stolen")), 0)
	if err := c2.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write on second session: %v", err)
	}

	// The offending session is closed; the legitimate one survives.
	gotClose := make(chan error, 1)
	go func() {
		for {
			_, _, err := c2.ReadMessage()
			if err != nil {
				gotClose <- err
				return
			}
		}
	}()
	select {
	case <-gotClose:
	case <-time.After(2 * time.Second):
		t.Fatal("offending session was not closed")
	}
}

func TestConcurrencyCapQueueFull(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.MaxChannelsPerSession = 1
		cfg.RequestTimeout = 2 * time.Second
	})
	tok := signToken(t, "u1", "enterprise")
	c := dialAgent(t, srv, tok)
	go func() {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			switch m := mustDecode(msg).(type) {
			case *wire.HTTPRequest:
				go func(id string) {
					time.Sleep(500 * time.Millisecond)
					frame, _ := wire.Encode(wire.NewHTTPResponse(id, 200, nil, nil), 0)
					_ = c.WriteMessage(websocket.TextMessage, frame)
				}(m.ID)
			case *wire.Ping:
				frame, _ := wire.Encode(wire.NewPong(m.ID, 0), 0)
				_ = c.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()

	go doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/slow", tok, nil)
	time.Sleep(100 * time.Millisecond)

	resp, body := doProxy(t, srv, http.MethodGet, "/api/tunnel/u1/second", tok, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if errorCode(t, body) != string(rderrors.CodeQueueFull) {
		t.Fatalf("code = %s", body)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	b, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "free")
	runEchoAgent(t, dialAgent(t, srv, tok))

	resp, err := srv.Client().Get(srv.URL + "/api/tunnel/health")
	if err != nil {
		t.Fatal(err)
	}
	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 || h.Status != "ok" || h.ActiveConnections != 1 {
		t.Fatalf("health = %+v (status %d)", h, resp.StatusCode)
	}
	if h.ConnectionsByTier["free"] != 1 {
		t.Fatalf("by_tier = %v", h.ConnectionsByTier)
	}

	// Draining flips the endpoint to 503.
	b.draining.Store(true)
	resp, err = srv.Client().Get(srv.URL + "/api/tunnel/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || h.Status != "draining" {
		t.Fatalf("draining health = %+v (status %d)", h, resp.StatusCode)
	}
}

func TestMetricsMountedOnMainMux(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) {
		cfg.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# scrape"))
		})
	})
	resp, err := srv.Client().Get(srv.URL + "/api/tunnel/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || !strings.Contains(string(body), "scrape") {
		t.Fatalf("metrics: %d %q", resp.StatusCode, body)
	}
}

func TestAdminDiagnostics(t *testing.T) {
	_, srv := newTestBroker(t, nil)
	tok := signToken(t, "u1", "enterprise")
	runEchoAgent(t, dialAgent(t, srv, tok))

	// Wrong token is rejected.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/tunnel/diagnostics", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/tunnel/diagnostics", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var d diagnostics
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if d.Registry.Sessions != 1 {
		t.Fatalf("diagnostics = %+v", d)
	}
}

func TestAdminConfigRoundTrip(t *testing.T) {
	b, srv := newTestBroker(t, nil)

	body := []byte(`{"request_timeout_ms":5000,"max_body_bytes":1024,"metrics_enabled":true}`)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/tunnel/config", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s := b.Settings()
	if s.RequestTimeoutMS != 5000 || s.MaxBodyBytes != 1024 {
		t.Fatalf("settings = %+v", s)
	}
	if got := b.requestTimeout(); got != 5*time.Second {
		t.Fatalf("requestTimeout = %v", got)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	_, srv := newTestBroker(t, func(cfg *Config) { cfg.AdminToken = "" })
	resp, err := srv.Client().Get(srv.URL + "/api/tunnel/diagnostics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
