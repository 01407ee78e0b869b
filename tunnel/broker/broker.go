// Package broker terminates agent websocket sessions and proxies tunneled
// HTTP requests to them. Each user's requests only ever reach that user's own
// agent sessions.
package broker

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/breaker"
	"github.com/relaydesk/relaydesk/internal/requestid"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/ratelimit"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/realtime/ws"
	"github.com/relaydesk/relaydesk/tunnel/registry"
	"github.com/relaydesk/relaydesk/wire"
)

type Config struct {
	WSPath string // Websocket endpoint path; default "/ws/tunnel".

	Validator *auth.Validator    // Verifies agent and caller tokens (required).
	Limiter   *ratelimit.Limiter // Optional; nil disables rate limiting.

	AdminToken string // Static bearer for admin endpoints; empty disables them.

	MaxFrameBytes     int           // Max encoded frame size; default 1 MiB.
	MaxBodyBytes      int64         // Max proxied request body; default 10 MiB.
	PingInterval      time.Duration // Heartbeat cadence; default 30s.
	PongTimeout       time.Duration // Missed-pong session death; default 45s.
	AuthTimeout       time.Duration // Handshake auth budget; default 5s.
	RequestTimeout    time.Duration // Default per-request deadline; default 30s.
	MaxRequestTimeout time.Duration // Cap on caller timeout overrides; default 120s.
	WriteTimeout      time.Duration // Per-frame write deadline; default 10s.
	IdleTimeout       time.Duration // Close sessions with no reads beyond this; 0 disables.
	CleanupInterval   time.Duration // Background cleanup cadence; default 30s.

	MaxChannelsPerSession int // Concurrent in-flight requests per session; default 10.
	MaxPendingPerSession  int // Pending correlation table bound; default 1000.

	Breaker breaker.Config // Per-user circuit breaker tuning.

	CheckOrigin func(r *http.Request) bool // Default accepts all (agents send no Origin).

	// Metrics, when set, is mounted at /api/tunnel/metrics.
	Metrics http.Handler

	// OnSettingsChange runs after an admin config update is applied.
	OnSettingsChange func(Settings)

	Observer observability.BrokerObserver
	Logger   zerolog.Logger
}

func (c *Config) applyDefaults() error {
	if c.Validator == nil {
		return errors.New("missing token validator")
	}
	if c.WSPath == "" {
		c.WSPath = "/ws/tunnel"
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 45 * time.Second
	}
	if c.PongTimeout < c.PingInterval {
		return errors.New("pong timeout must be >= ping interval")
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRequestTimeout <= 0 {
		c.MaxRequestTimeout = 120 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.MaxChannelsPerSession <= 0 {
		c.MaxChannelsPerSession = 10
	}
	if c.MaxPendingPerSession <= 0 {
		c.MaxPendingPerSession = 1000
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	if c.Observer == nil {
		c.Observer = observability.NoopBrokerObserver
	}
	return nil
}

// Settings is the runtime-tunable subset of the configuration, readable and
// writable through the admin config endpoint.
type Settings struct {
	RequestTimeoutMS int64 `json:"request_timeout_ms"`
	MaxBodyBytes     int64 `json:"max_body_bytes"`
	MetricsEnabled   bool  `json:"metrics_enabled"`
}

// Broker owns the agent sessions and the proxy front.
type Broker struct {
	cfg    Config
	obs    observability.BrokerObserver
	logger zerolog.Logger

	registry *registry.Registry
	breakers *breaker.Group

	settings atomic.Pointer[Settings]

	// owners maps in-flight request ids to the session they were dispatched
	// to, so a response arriving on the wrong session is caught.
	owners   sync.Map // request id -> session id
	sessions sync.Map // session id -> *session

	start    time.Time
	draining atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates cfg and starts the background cleanup loop.
func New(cfg Config) (*Broker, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	bcfg := cfg.Breaker
	bcfg.Observer = cfg.Observer
	b := &Broker{
		cfg:      cfg,
		obs:      cfg.Observer,
		logger:   cfg.Logger,
		registry: registry.New(cfg.Observer, cfg.Logger),
		breakers: breaker.NewGroup(bcfg),
		start:    time.Now(),
		stopCh:   make(chan struct{}),
	}
	b.settings.Store(&Settings{
		RequestTimeoutMS: cfg.RequestTimeout.Milliseconds(),
		MaxBodyBytes:     cfg.MaxBodyBytes,
		MetricsEnabled:   true,
	})
	go b.cleanupLoop()
	return b, nil
}

// Register installs all broker endpoints on mux. Exact patterns shadow the
// proxy subtree, so the operational endpoints win over a same-named user id.
func (b *Broker) Register(mux *http.ServeMux) {
	mux.HandleFunc(b.cfg.WSPath, b.handleWS)
	mux.HandleFunc("/api/tunnel/", b.handleProxy)
	mux.HandleFunc("/api/direct-proxy/", b.handleProxy)
	mux.HandleFunc("/api/tunnel/health", b.handleHealth)
	mux.HandleFunc("/api/tunnel/diagnostics", b.handleDiagnostics)
	mux.HandleFunc("/api/tunnel/config", b.handleConfigEndpoint)
	if b.cfg.Metrics != nil {
		mux.Handle("/api/tunnel/metrics", b.cfg.Metrics)
	}
	// Plain liveness probe for load balancers.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Registry exposes the session registry for diagnostics.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Settings returns the current runtime settings.
func (b *Broker) Settings() Settings { return *b.settings.Load() }

// SetSettings replaces the runtime settings.
func (b *Broker) SetSettings(s Settings) {
	b.settings.Store(&s)
	if b.cfg.OnSettingsChange != nil {
		b.cfg.OnSettingsChange(s)
	}
}

// requestTimeout is the default dispatch deadline under current settings.
func (b *Broker) requestTimeout() time.Duration {
	if ms := b.settings.Load().RequestTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return b.cfg.RequestTimeout
}

func (b *Broker) maxBodyBytes() int64 {
	if n := b.settings.Load().MaxBodyBytes; n > 0 {
		return n
	}
	return b.cfg.MaxBodyBytes
}

// handleWS authenticates an agent handshake and runs its session until the
// connection dies.
func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	span := observability.StartSpan(b.logger, observability.SpanWebsocketConnection)
	spanStatus := "rejected"
	defer func() { span.End(spanStatus) }()

	if b.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, rderrors.CodeServerUnavailable, "broker is shutting down", 0, requestid.NewCorrelationID())
		return
	}

	// The handshake runs before authentication, so admission is by source IP
	// rather than by a user budget the dialer has not proven it owns.
	if b.cfg.Limiter != nil {
		rlSpan := observability.StartSpan(b.logger, observability.SpanRateLimitCheck)
		d := b.cfg.Limiter.CheckIP(clientIP(r))
		rlSpan.End(allowedStatus(d.Allowed))
		if !d.Allowed {
			b.obs.ErrorByCategory(string(rderrors.CategoryRateLimit))
			spanStatus = "rate_limited"
			writeJSONError(w, rderrors.HTTPStatus(d.Code), d.Code, "too many connection attempts from this address", d.RetryAfter, requestid.NewCorrelationID())
			return
		}
	}

	// Token travels in the upgrade request: Authorization header, with a
	// query fallback for dialers that cannot set headers.
	bearer := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if bearer == "" {
		bearer = r.URL.Query().Get("token")
	}
	authSpan := observability.StartSpan(b.logger, observability.SpanValidateToken)
	identity, err := b.validateWithTimeout(bearer)
	authSpan.End(observability.SpanStatus(err))
	if err != nil {
		b.obs.SessionClose(observability.CloseReasonAuthFailed)
		b.obs.ErrorByCategory(string(rderrors.CategoryAuthentication))
		spanStatus = "auth_failed"
		code := rderrors.CodeOf(err)
		writeJSONError(w, rderrors.HTTPStatus(code), code, "agent authentication failed", 0, requestid.NewCorrelationID())
		return
	}

	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: b.cfg.CheckOrigin})
	if err != nil {
		b.logger.Debug().Err(err).Msg("websocket upgrade failed")
		spanStatus = "upgrade_failed"
		return
	}
	conn.SetReadLimit(int64(b.cfg.MaxFrameBytes))

	sess := b.newSession(identity, conn)
	handle, err := b.registry.Register(sess)
	if err != nil {
		// Over the tier's session cap: tell the agent why, then drop it.
		sess.sendErrorFrame("", rderrors.CodeOf(err), err.Error())
		sess.close(observability.CloseReasonSessionCap)
		spanStatus = "session_limit"
		return
	}
	sess.handle = handle
	b.sessions.Store(sess.id, sess)
	spanStatus = "closed"
	sess.run()
}

// validateWithTimeout bounds the handshake's token validation by AuthTimeout.
// A keyfunc that fetches keys over the network must not pin the upgrade
// request indefinitely.
func (b *Broker) validateWithTimeout(bearer string) (auth.Identity, error) {
	type outcome struct {
		identity auth.Identity
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		id, err := b.cfg.Validator.Validate(bearer)
		ch <- outcome{identity: id, err: err}
	}()
	t := time.NewTimer(b.cfg.AuthTimeout)
	defer t.Stop()
	select {
	case o := <-ch:
		return o.identity, o.err
	case <-t.C:
		return auth.Identity{}, rderrors.New(rderrors.CodeServerUnavailable, "token validation timed out")
	}
}

func allowedStatus(allowed bool) string {
	if allowed {
		return "ok"
	}
	return "denied"
}

func (b *Broker) cleanupLoop() {
	t := time.NewTicker(b.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-t.C:
			if b.cfg.Limiter != nil {
				b.cfg.Limiter.Cleanup(now)
			}
			b.cfg.Validator.CleanupExpired(now)
			if b.cfg.IdleTimeout > 0 {
				b.sessions.Range(func(_, v any) bool {
					s := v.(*session)
					if now.Sub(s.lastReadTime()) > b.cfg.IdleTimeout {
						s.close(observability.CloseReasonIdleTimeout)
					}
					return true
				})
			}
		}
	}
}

// Shutdown drains active sessions: in-flight requests get until ctx expires
// to finish, then every session is closed.
func (b *Broker) Shutdown(deadline time.Duration) {
	b.draining.Store(true)
	b.sessions.Range(func(_, v any) bool {
		v.(*session).setState(stateDraining)
		return true
	})

	waitUntil := time.Now().Add(deadline)
	for time.Now().Before(waitUntil) {
		pending := 0
		b.sessions.Range(func(_, v any) bool {
			pending += v.(*session).corr.Pending()
			return true
		})
		if pending == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	b.sessions.Range(func(_, v any) bool {
		v.(*session).close(observability.CloseReasonServerShutdown)
		return true
	})
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Close stops background work without draining.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.sessions.Range(func(_, v any) bool {
		v.(*session).close(observability.CloseReasonServerShutdown)
		return true
	})
}
