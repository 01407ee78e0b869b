// Package observability defines the metric observer interfaces the broker and
// agent report into. Implementations live in subpackages; the noop observer
// keeps the hot path allocation-free when metrics are disabled.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcome labels the terminal state of one tunneled request.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeSessionLost  Outcome = "session_lost"
	OutcomeQueueFull    Outcome = "queue_full"
	OutcomeAgentOffline Outcome = "agent_offline"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeAuthFailed   Outcome = "auth_failed"
	OutcomeAgentError   Outcome = "agent_error"
	OutcomeCanceled     Outcome = "canceled"
)

// CloseReason labels why a websocket session ended.
type CloseReason string

const (
	CloseReasonPeerClosed       CloseReason = "peer_closed"
	CloseReasonAuthFailed       CloseReason = "auth_failed"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonBadFrame         CloseReason = "bad_frame"
	CloseReasonFrameTooLarge    CloseReason = "frame_too_large"
	CloseReasonCrossSession     CloseReason = "cross_session_response"
	CloseReasonIdleTimeout      CloseReason = "idle_timeout"
	CloseReasonServerShutdown   CloseReason = "server_shutdown"
	CloseReasonSessionCap       CloseReason = "session_cap"
	CloseReasonWriteError       CloseReason = "write_error"
	CloseReasonInternalError    CloseReason = "internal_error"
)

// BrokerObserver receives broker-side metric events.
type BrokerObserver interface {
	Request(outcome Outcome, latency time.Duration, bytes int64)
	ErrorByCategory(category string)
	RateLimitViolation()
	CircuitState(name string, state int)
	CircuitTransition(name string)
	ActiveConnections(n int64)
	ConnectionsByTier(tier string, n int)
	SessionClose(reason CloseReason)
	PendingRequests(n int)
}

// AgentObserver receives agent-side metric events.
type AgentObserver interface {
	ReconnectAttempt()
	StateChange(state string)
	QueueFill(n int)
	LocalRequest(outcome Outcome, latency time.Duration)
}

type noopBrokerObserver struct{}

func (noopBrokerObserver) Request(Outcome, time.Duration, int64) {}
func (noopBrokerObserver) ErrorByCategory(string)                {}
func (noopBrokerObserver) RateLimitViolation()                   {}
func (noopBrokerObserver) CircuitState(string, int)              {}
func (noopBrokerObserver) CircuitTransition(string)              {}
func (noopBrokerObserver) ActiveConnections(int64)               {}
func (noopBrokerObserver) ConnectionsByTier(string, int)         {}
func (noopBrokerObserver) SessionClose(CloseReason)              {}
func (noopBrokerObserver) PendingRequests(int)                   {}

type noopAgentObserver struct{}

func (noopAgentObserver) ReconnectAttempt()                   {}
func (noopAgentObserver) StateChange(string)                  {}
func (noopAgentObserver) QueueFill(int)                       {}
func (noopAgentObserver) LocalRequest(Outcome, time.Duration) {}

// NoopBrokerObserver is a zero-cost observer used when metrics are disabled.
var NoopBrokerObserver BrokerObserver = noopBrokerObserver{}

// NoopAgentObserver is a zero-cost observer used when metrics are disabled.
var NoopAgentObserver AgentObserver = noopAgentObserver{}

// AtomicBrokerObserver swaps its delegate at runtime, so metrics can be
// enabled and disabled without restarting the broker.
type AtomicBrokerObserver struct {
	once sync.Once
	v    atomic.Value
}

type brokerObserverHolder struct {
	obs BrokerObserver
}

// NewAtomicBrokerObserver returns an initialized atomic observer.
func NewAtomicBrokerObserver() *AtomicBrokerObserver {
	a := &AtomicBrokerObserver{}
	a.init()
	return a
}

func (a *AtomicBrokerObserver) init() {
	a.once.Do(func() { a.v.Store(&brokerObserverHolder{obs: NoopBrokerObserver}) })
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicBrokerObserver) Set(obs BrokerObserver) {
	if obs == nil {
		obs = NoopBrokerObserver
	}
	a.init()
	a.v.Store(&brokerObserverHolder{obs: obs})
}

func (a *AtomicBrokerObserver) load() BrokerObserver {
	a.init()
	return a.v.Load().(*brokerObserverHolder).obs
}

func (a *AtomicBrokerObserver) Request(o Outcome, d time.Duration, n int64) { a.load().Request(o, d, n) }
func (a *AtomicBrokerObserver) ErrorByCategory(c string)                    { a.load().ErrorByCategory(c) }
func (a *AtomicBrokerObserver) RateLimitViolation()                         { a.load().RateLimitViolation() }
func (a *AtomicBrokerObserver) CircuitState(name string, state int)         { a.load().CircuitState(name, state) }
func (a *AtomicBrokerObserver) CircuitTransition(name string)               { a.load().CircuitTransition(name) }
func (a *AtomicBrokerObserver) ActiveConnections(n int64)                   { a.load().ActiveConnections(n) }
func (a *AtomicBrokerObserver) ConnectionsByTier(tier string, n int)        { a.load().ConnectionsByTier(tier, n) }
func (a *AtomicBrokerObserver) SessionClose(r CloseReason)                  { a.load().SessionClose(r) }
func (a *AtomicBrokerObserver) PendingRequests(n int)                       { a.load().PendingRequests(n) }
