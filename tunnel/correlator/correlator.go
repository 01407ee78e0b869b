// Package correlator matches response frames back to the requests that are
// waiting on them. Every in-flight request gets a fresh id and a bounded slot
// in the pending table; responses for unknown ids are discarded.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/internal/requestid"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/wire"
)

// Config tunes a correlator. Zero values fall back to defaults.
type Config struct {
	MaxPending     int           // Pending table bound; default 1000.
	DefaultTimeout time.Duration // Applied when the caller gives none; default 30s.
	MaxTimeout     time.Duration // Per-request override cap; default 120s.

	Observer observability.BrokerObserver
}

func (c *Config) applyDefaults() {
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 120 * time.Second
	}
	if c.Observer == nil {
		c.Observer = observability.NoopBrokerObserver
	}
}

// Result is the terminal outcome of one tracked request.
type Result struct {
	Resp *wire.HTTPResponse
	Err  error
}

type waiter struct {
	ch    chan Result
	timer *time.Timer
}

// Correlator is a concurrency-safe pending-request table.
type Correlator struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*waiter
	closed  bool
}

// New builds a Correlator with defaults applied.
func New(cfg Config, logger zerolog.Logger) *Correlator {
	cfg.applyDefaults()
	return &Correlator{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*waiter),
	}
}

// ClampTimeout normalizes a caller-supplied timeout to the configured bounds.
func (c *Correlator) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return c.cfg.DefaultTimeout
	}
	if d > c.cfg.MaxTimeout {
		return c.cfg.MaxTimeout
	}
	return d
}

// Register allocates a fresh request id and a result channel, arming a timer
// that fails the request with upstream_timeout when no response arrives in
// time. It fails with queue_full when the pending table is at capacity.
func (c *Correlator) Register(timeout time.Duration) (string, <-chan Result, error) {
	timeout = c.ClampTimeout(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, rderrors.New(rderrors.CodeSessionLost, "correlator closed")
	}
	if len(c.pending) >= c.cfg.MaxPending {
		return "", nil, rderrors.New(rderrors.CodeQueueFull,
			fmt.Sprintf("pending request table full (%d in flight)", len(c.pending)))
	}

	id := requestid.NewRequestID()
	w := &waiter{ch: make(chan Result, 1)}
	w.timer = time.AfterFunc(timeout, func() {
		c.Fail(id, rderrors.New(rderrors.CodeUpstreamTimeout,
			fmt.Sprintf("no response within %s", timeout)))
	})
	c.pending[id] = w
	c.cfg.Observer.PendingRequests(len(c.pending))
	return id, w.ch, nil
}

// Resolve delivers a response to the waiter for resp.ID. It reports false for
// unknown or already-completed ids; those frames are logged and dropped.
func (c *Correlator) Resolve(resp *wire.HTTPResponse) bool {
	w := c.take(resp.ID)
	if w == nil {
		c.logger.Debug().Str("request_id", resp.ID).Msg("discarding response with no pending request")
		return false
	}
	w.ch <- Result{Resp: resp}
	return true
}

// Fail completes the waiter for id with err. It reports false when id has no
// pending waiter.
func (c *Correlator) Fail(id string, err error) bool {
	w := c.take(id)
	if w == nil {
		return false
	}
	w.ch <- Result{Err: err}
	return true
}

// Cancel drops the waiter for id without delivering a result. Used when the
// caller stops waiting.
func (c *Correlator) Cancel(id string) {
	c.take(id)
}

// take removes and returns the waiter for id, stopping its timer.
func (c *Correlator) take(id string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	w.timer.Stop()
	c.cfg.Observer.PendingRequests(len(c.pending))
	return w
}

// FailAll completes every pending request with err and marks the correlator
// closed. Called when the owning session is lost.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*waiter)
	c.closed = true
	c.cfg.Observer.PendingRequests(0)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Warn().Int("count", len(pending)).Err(err).Msg("failing all pending requests")
	}
	for _, w := range pending {
		w.timer.Stop()
		w.ch <- Result{Err: err}
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until the request completes or ctx is done. On cancellation the
// waiter slot is released immediately.
func (c *Correlator) Wait(ctx context.Context, id string, ch <-chan Result) (*wire.HTTPResponse, error) {
	select {
	case res := <-ch:
		return res.Resp, res.Err
	case <-ctx.Done():
		c.Cancel(id)
		// The result may have been delivered between the two selects.
		select {
		case res := <-ch:
			return res.Resp, res.Err
		default:
		}
		return nil, ctx.Err()
	}
}
