// Package registry tracks which agent sessions are connected for each user
// and hands out sessions to the proxy front. Lookups never cross user
// boundaries: a request for one user can only ever resolve to that user's own
// sessions.
package registry

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
)

// Session is the minimal view the registry needs of a connected agent
// session. The broker's session type implements it.
type Session interface {
	ID() string
	UserID() string
	Tier() auth.Tier
}

// Handle identifies one registration. Unregister accepts only the handle
// returned by Register, so a stale session cannot evict its replacement.
type Handle struct {
	userID    string
	sessionID string
}

// Registry is a concurrency-safe user -> sessions map with round-robin
// resolution and per-tier session caps.
type Registry struct {
	obs    observability.BrokerObserver
	logger zerolog.Logger

	mu         sync.Mutex
	users      map[string]*userSessions
	total      int
	tierCounts map[string]int
}

type userSessions struct {
	sessions []Session // Registration order.
	next     int       // Round-robin cursor.
}

// Stats captures a snapshot of registry counts.
type Stats struct {
	Users    int            `json:"users"`
	Sessions int            `json:"sessions"`
	ByTier   map[string]int `json:"by_tier"`
}

// New returns an empty registry reporting gauge changes to obs.
func New(obs observability.BrokerObserver, logger zerolog.Logger) *Registry {
	if obs == nil {
		obs = observability.NoopBrokerObserver
	}
	return &Registry{
		obs:        obs,
		logger:     logger,
		users:      make(map[string]*userSessions),
		tierCounts: make(map[string]int),
	}
}

// Register adds sess under its user. It fails with session_limit_exceeded
// when the user already holds as many concurrent sessions as the tier allows.
func (r *Registry) Register(sess Session) (Handle, error) {
	userID, tier := sess.UserID(), sess.Tier()
	cap := tier.MaxSessions()

	r.mu.Lock()
	defer r.mu.Unlock()

	us := r.users[userID]
	if us == nil {
		us = &userSessions{}
		r.users[userID] = us
	}
	if len(us.sessions) >= cap {
		return Handle{}, rderrors.New(rderrors.CodeSessionLimit,
			fmt.Sprintf("user %s already has %d active sessions (tier %s allows %d)", userID, len(us.sessions), tier, cap))
	}
	us.sessions = append(us.sessions, sess)

	r.total++
	r.tierCounts[string(tier)]++
	r.obs.ActiveConnections(int64(r.total))
	r.obs.ConnectionsByTier(string(tier), r.tierCounts[string(tier)])
	r.logger.Info().Str("user_id", userID).Str("session_id", sess.ID()).Str("tier", string(tier)).
		Int("sessions", len(us.sessions)).Msg("agent session registered")

	return Handle{userID: userID, sessionID: sess.ID()}, nil
}

// Resolve returns one of the user's live sessions, rotating across them on
// successive calls. It fails with agent_offline when the user has none.
func (r *Registry) Resolve(userID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	us := r.users[userID]
	if us == nil || len(us.sessions) == 0 {
		return nil, rderrors.New(rderrors.CodeAgentOffline, fmt.Sprintf("no agent connected for user %s", userID))
	}
	sess := us.sessions[us.next%len(us.sessions)]
	us.next++
	return sess, nil
}

// Unregister removes the session h refers to. It is idempotent: a handle
// whose session is already gone is a no-op.
func (r *Registry) Unregister(h Handle) {
	if h.userID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	us := r.users[h.userID]
	if us == nil {
		return
	}
	for i, sess := range us.sessions {
		if sess.ID() != h.sessionID {
			continue
		}
		tier := string(sess.Tier())
		us.sessions = append(us.sessions[:i], us.sessions[i+1:]...)
		if len(us.sessions) == 0 {
			delete(r.users, h.userID)
		}
		r.total--
		r.tierCounts[tier]--
		if r.tierCounts[tier] <= 0 {
			delete(r.tierCounts, tier)
			r.obs.ConnectionsByTier(tier, 0)
		} else {
			r.obs.ConnectionsByTier(tier, r.tierCounts[tier])
		}
		r.obs.ActiveConnections(int64(r.total))
		r.logger.Info().Str("user_id", h.userID).Str("session_id", h.sessionID).Msg("agent session unregistered")
		return
	}
}

// SessionCount returns the number of live sessions for userID.
func (r *Registry) SessionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if us := r.users[userID]; us != nil {
		return len(us.sessions)
	}
	return 0
}

// Stats returns a point-in-time view of registry counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	byTier := make(map[string]int, len(r.tierCounts))
	for k, v := range r.tierCounts {
		byTier[k] = v
	}
	return Stats{Users: len(r.users), Sessions: r.total, ByTier: byTier}
}
