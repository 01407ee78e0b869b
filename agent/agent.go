// Package agent implements the desktop side of the tunnel: it dials the
// broker, keeps the session alive, executes tunneled requests against the
// local origin, and buffers work while disconnected.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/agent/queue"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/wire"
)

// TokenSource supplies the bearer token for the broker handshake. Invalidate
// is called after the broker rejects a token as expired, so the next Token
// call must mint or fetch a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type staticTokenSource struct{ token string }

func (s *staticTokenSource) Token(context.Context) (string, error) { return s.token, nil }
func (s *staticTokenSource) Invalidate()                           {}

// StaticTokenSource returns a TokenSource that always yields token. Suitable
// for long-lived tokens only: it cannot refresh.
func StaticTokenSource(token string) TokenSource { return &staticTokenSource{token: token} }

// ReconnectProfile selects the backoff envelope for reconnect attempts.
type ReconnectProfile string

const (
	ProfileStable       ReconnectProfile = "stable"
	ProfileUnstable     ReconnectProfile = "unstable"
	ProfileLowBandwidth ReconnectProfile = "low-bandwidth"
)

type backoffParams struct {
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	maxAttempts int // 0 means retry forever.
}

func (p ReconnectProfile) params() backoffParams {
	switch p {
	case ProfileUnstable:
		// Flappy links: probe again quickly and never give up.
		return backoffParams{initial: 500 * time.Millisecond, max: 15 * time.Second, multiplier: 2}
	case ProfileLowBandwidth:
		return backoffParams{initial: 2 * time.Second, max: 60 * time.Second, multiplier: 2, maxAttempts: 10}
	default:
		return backoffParams{initial: time.Second, max: 30 * time.Second, multiplier: 2, maxAttempts: 10}
	}
}

// QueueSize returns the default offline-queue bound for the profile.
func (p ReconnectProfile) QueueSize() int {
	switch p {
	case ProfileUnstable:
		return 100
	case ProfileLowBandwidth:
		return 200
	default:
		return 50
	}
}

// Agent lifecycle states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateStopped      = "stopped"
)

// Config tunes an Agent. Zero values fall back to defaults.
type Config struct {
	BrokerURL   string // Websocket endpoint, e.g. wss://broker/ws/tunnel (required).
	LocalOrigin string // Local service base URL, e.g. http://127.0.0.1:3000 (required).

	Tokens  TokenSource      // Required.
	Profile ReconnectProfile // Default stable.

	MaxFrameBytes int           // Frame codec bound; default 1 MiB.
	PingTimeout   time.Duration // Max broker silence before reconnecting; default 90s.
	LocalTimeout  time.Duration // Default local request deadline; default 30s.
	WriteTimeout  time.Duration // Per-frame write deadline; default 10s.
	MaxConcurrent int           // Parallel local dispatches; default 10.

	Queue      *queue.Queue // Offline buffer; nil disables queueing.
	HTTPClient *http.Client // Local dispatch client; default http.DefaultClient.
	Dialer     *websocket.Dialer

	Observer observability.AgentObserver
	Logger   zerolog.Logger
}

func (c *Config) applyDefaults() error {
	if c.BrokerURL == "" {
		return errors.New("missing broker url")
	}
	if c.LocalOrigin == "" {
		return errors.New("missing local origin url")
	}
	if c.Tokens == nil {
		return errors.New("missing token source")
	}
	if c.Profile == "" {
		c.Profile = ProfileStable
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 90 * time.Second
	}
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Observer == nil {
		c.Observer = observability.NoopAgentObserver
	}
	return nil
}

// Agent connects the local origin to the broker.
type Agent struct {
	cfg    Config
	obs    observability.AgentObserver
	logger zerolog.Logger

	state atomic.Value // string
	rand  *rand.Rand
	rmu   sync.Mutex
}

// New validates cfg and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:    cfg,
		obs:    cfg.Observer,
		logger: cfg.Logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	a.state.Store(StateDisconnected)
	return a, nil
}

// State returns the current lifecycle state.
func (a *Agent) State() string { return a.state.Load().(string) }

func (a *Agent) setState(s string) {
	if a.state.Swap(s) != s {
		a.obs.StateChange(s)
		a.logger.Info().Str("state", s).Msg("agent state changed")
	}
}

// backoff computes the delay before reconnect attempt n (0-based), with a
// +/-30% jitter so a fleet of agents does not stampede the broker.
func (a *Agent) backoff(attempt int) time.Duration {
	p := a.cfg.Profile.params()
	d := float64(p.initial) * math.Pow(p.multiplier, float64(attempt))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	a.rmu.Lock()
	jitter := 1 + (a.rand.Float64()*2-1)*0.3
	a.rmu.Unlock()
	return time.Duration(d * jitter)
}

// ErrAttemptsExhausted ends Run after a profile's reconnect budget is spent
// without ever re-establishing a session.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// fatal reports whether err should stop the reconnect loop instead of backing
// off. Expired tokens are not fatal: the source is invalidated and retried.
func fatal(err error) bool {
	switch rderrors.CodeOf(err) {
	case rderrors.CodeTokenInvalid, rderrors.CodeForbidden, rderrors.CodeConfigurationError, rderrors.CodeSessionLimit:
		return true
	}
	return false
}

// Run connects and serves until ctx is canceled or a fatal error occurs.
// Transient failures reconnect with backoff; on every disconnect the offline
// queue takes over and is flushed after the next successful handshake.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(StateStopped)

	attempt := 0
	first := true
	expiredRetried := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if first {
			a.setState(StateConnecting)
			first = false
		} else {
			a.setState(StateReconnecting)
			a.obs.ReconnectAttempt()
		}

		established, err := a.connectAndServe(ctx)
		if established {
			// A successful handshake restarts the backoff clock.
			attempt = 0
			expiredRetried = false
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && fatal(err) {
			a.logger.Error().Err(err).Msg("fatal error; not retrying")
			return err
		}
		if err != nil && rderrors.CodeOf(err) == rderrors.CodeTokenExpired {
			a.cfg.Tokens.Invalidate()
			// One immediate retry with a freshly minted token; a source that
			// keeps yielding expired tokens falls through to backoff like any
			// other failure.
			if !expiredRetried {
				expiredRetried = true
				a.logger.Info().Msg("token expired; refreshing before reconnect")
				continue
			}
		}

		if cap := a.cfg.Profile.params().maxAttempts; cap > 0 && attempt+1 >= cap {
			a.logger.Error().Err(err).Int("attempts", attempt+1).Msg("giving up on the broker")
			return fmt.Errorf("%w after %d attempts (last error: %v)", ErrAttemptsExhausted, attempt+1, err)
		}

		delay := a.backoff(attempt)
		attempt++
		a.logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("disconnected from broker")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
