package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/breaker"
	"github.com/relaydesk/relaydesk/internal/requestid"
	"github.com/relaydesk/relaydesk/ratelimit"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/tunnel/registry"
)

// requireAdmin gates an endpoint behind the static admin bearer. With no
// admin token configured the endpoints do not exist.
func (b *Broker) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if b.cfg.AdminToken == "" {
		http.NotFound(w, r)
		return false
	}
	bearer := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if !auth.ConstantTimeEquals(bearer, b.cfg.AdminToken) {
		writeJSONError(w, http.StatusForbidden, rderrors.CodeForbidden, "admin token required", 0, requestid.NewCorrelationID())
		return false
	}
	return true
}

type health struct {
	Status            string         `json:"status"`
	UptimeSeconds     int64          `json:"uptime_s"`
	ActiveConnections int            `json:"active_connections"`
	ConnectionsByTier map[string]int `json:"connections_by_tier"`
	Users             int            `json:"users"`
}

// handleHealth reports readiness: 200 while serving, 503 once draining.
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := b.registry.Stats()
	out := health{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(b.start).Seconds()),
		ActiveConnections: stats.Sessions,
		ConnectionsByTier: stats.ByTier,
		Users:             stats.Users,
	}
	status := http.StatusOK
	if b.draining.Load() {
		out.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

type diagnostics struct {
	UptimeSeconds   int64              `json:"uptime_s"`
	Draining        bool               `json:"draining"`
	Registry        registry.Stats     `json:"registry"`
	Sessions        []sessionInfo      `json:"sessions"`
	PendingRequests int                `json:"pending_requests"`
	Breakers        []breaker.Snapshot `json:"breakers"`
	RateLimit       *rateLimitInfo     `json:"rate_limit,omitempty"`
	Settings        Settings           `json:"settings"`
}

type sessionInfo struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Tier     string `json:"tier"`
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	LastRead int64  `json:"last_read_unix"`
}

type rateLimitInfo struct {
	DDoSActive bool                  `json:"ddos_active"`
	Violations []ratelimit.Violation `json:"recent_violations"`
}

func (b *Broker) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !b.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d := diagnostics{
		UptimeSeconds: int64(time.Since(b.start).Seconds()),
		Draining:      b.draining.Load(),
		Registry:      b.registry.Stats(),
		Breakers:      b.breakers.Snapshots(),
		Settings:      b.Settings(),
	}
	b.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		pending := s.corr.Pending()
		d.PendingRequests += pending
		d.Sessions = append(d.Sessions, sessionInfo{
			ID:       s.id,
			UserID:   s.userID,
			Tier:     string(s.tier),
			State:    stateName(s.getState()),
			Pending:  pending,
			LastRead: s.lastReadTime().Unix(),
		})
		return true
	})
	if b.cfg.Limiter != nil {
		violations := b.cfg.Limiter.Violations()
		if len(violations) > 50 {
			violations = violations[len(violations)-50:]
		}
		d.RateLimit = &rateLimitInfo{
			DDoSActive: b.cfg.Limiter.DDoSActive(),
			Violations: violations,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d)
}

func (b *Broker) handleConfigEndpoint(w http.ResponseWriter, r *http.Request) {
	if !b.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.Settings())
	case http.MethodPut:
		var s Settings
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&s); err != nil {
			writeJSONError(w, http.StatusBadRequest, rderrors.CodeConfigurationError, "invalid settings body", 0, requestid.NewCorrelationID())
			return
		}
		if s.RequestTimeoutMS < 0 || s.MaxBodyBytes < 0 {
			writeJSONError(w, http.StatusBadRequest, rderrors.CodeConfigurationError, "settings values must be non-negative", 0, requestid.NewCorrelationID())
			return
		}
		cur := b.Settings()
		if s.RequestTimeoutMS == 0 {
			s.RequestTimeoutMS = cur.RequestTimeoutMS
		}
		if s.MaxBodyBytes == 0 {
			s.MaxBodyBytes = cur.MaxBodyBytes
		}
		b.SetSettings(s)
		b.logger.Info().Int64("request_timeout_ms", s.RequestTimeoutMS).
			Int64("max_body_bytes", s.MaxBodyBytes).
			Bool("metrics_enabled", s.MetricsEnabled).
			Msg("runtime settings updated")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
