// Package ratelimit enforces per-user and per-IP token-bucket limits and
// tracks violations for abuse detection.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
)

// Config tunes the limiter. Zero values fall back to defaults.
type Config struct {
	FreePerMinute       int // Default 60.
	PremiumPerMinute    int // Default 300.
	EnterprisePerMinute int // Default 1000.
	PerIPPerMinute      int // Default 200.

	ViolationLogSize    int           // Rolling violation log bound; default 1000.
	SuspiciousThreshold int           // Violations per IP within window to mark suspicious; default 5.
	BlockThreshold      int           // Violations per IP within window to auto-block; default 10.
	ViolationWindow     time.Duration // Rolling window; default 5m.
	BanDuration         time.Duration // Auto-block duration; default 10m.

	DDoSSuspiciousIPs int           // Distinct suspicious IPs to raise the DDoS signal; default 10.
	DDoSWindow        time.Duration // How long DDoS mode stays active; default 1m.
	DDoSGlobalPerSec  int           // Global cap applied in DDoS mode; default 100.

	BucketIdleTTL time.Duration // Stale bucket eviction age; default 10m.

	Observer observability.BrokerObserver
}

func (c *Config) applyDefaults() {
	if c.FreePerMinute <= 0 {
		c.FreePerMinute = 60
	}
	if c.PremiumPerMinute <= 0 {
		c.PremiumPerMinute = 300
	}
	if c.EnterprisePerMinute <= 0 {
		c.EnterprisePerMinute = 1000
	}
	if c.PerIPPerMinute <= 0 {
		c.PerIPPerMinute = 200
	}
	if c.ViolationLogSize <= 0 {
		c.ViolationLogSize = 1000
	}
	if c.SuspiciousThreshold <= 0 {
		c.SuspiciousThreshold = 5
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = 10
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = 5 * time.Minute
	}
	if c.BanDuration <= 0 {
		c.BanDuration = 10 * time.Minute
	}
	if c.DDoSSuspiciousIPs <= 0 {
		c.DDoSSuspiciousIPs = 10
	}
	if c.DDoSWindow <= 0 {
		c.DDoSWindow = time.Minute
	}
	if c.DDoSGlobalPerSec <= 0 {
		c.DDoSGlobalPerSec = 100
	}
	if c.BucketIdleTTL <= 0 {
		c.BucketIdleTTL = 10 * time.Minute
	}
	if c.Observer == nil {
		c.Observer = observability.NoopBrokerObserver
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Code       rderrors.Code // Set when denied.
	Limit      int           // Requests per minute for the limiting key.
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

// Violation records one denied request.
type Violation struct {
	UserID string    `json:"user_id"`
	IP     string    `json:"ip"`
	At     time.Time `json:"at"`
}

type bucket struct {
	lim        *rate.Limiter
	limit      int // Requests per minute this bucket enforces.
	lastAccess time.Time
}

type ipState struct {
	violations []time.Time // Violation timestamps within the rolling window.
	suspicious bool
	blockUntil time.Time
	lastAccess time.Time
}

// Limiter holds per-user and per-IP token buckets plus abuse-tracking state.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	userBuckets  map[string]*bucket
	ipBuckets    map[string]*bucket
	ipStates     map[string]*ipState
	violationLog []Violation
	ddosUntil    time.Time
	ddosGlobal   *rate.Limiter
}

// New builds a Limiter with defaults applied.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	cfg.applyDefaults()
	return &Limiter{
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		userBuckets: make(map[string]*bucket),
		ipBuckets:   make(map[string]*bucket),
		ipStates:    make(map[string]*ipState),
		ddosGlobal:  rate.NewLimiter(rate.Limit(cfg.DDoSGlobalPerSec), cfg.DDoSGlobalPerSec),
	}
}

func (l *Limiter) tierPerMinute(tier auth.Tier) (perMinute, burst int) {
	switch tier {
	case auth.TierEnterprise:
		return l.cfg.EnterprisePerMinute, auth.TierEnterprise.Burst()
	case auth.TierPremium:
		return l.cfg.PremiumPerMinute, auth.TierPremium.Burst()
	default:
		return l.cfg.FreePerMinute, auth.TierFree.Burst()
	}
}

func newBucket(perMinute, burst int, now time.Time) *bucket {
	if burst < 1 {
		burst = 1
	}
	return &bucket{
		lim:        rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		limit:      perMinute,
		lastAccess: now,
	}
}

// Check admits or denies one request for (userID, ip), consuming a token from
// both buckets iff admitted. Callers surface the decision as HTTP 429 headers
// or a rate_limit error frame.
func (l *Limiter) Check(userID string, tier auth.Tier, ip string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ddos := now.Before(l.ddosUntil)

	// A blocked IP fails fast regardless of bucket state.
	if st := l.ipStates[ip]; st != nil && now.Before(st.blockUntil) {
		st.lastAccess = now
		return Decision{
			Allowed:    false,
			Code:       rderrors.CodeIPBlocked,
			Limit:      l.cfg.PerIPPerMinute,
			Remaining:  0,
			RetryAfter: st.blockUntil.Sub(now),
			Reset:      st.blockUntil,
		}
	}

	perMinute, burst := l.tierPerMinute(tier)
	ub, ok := l.userBuckets[userID]
	if !ok || ub.limit != perMinute {
		ub = newBucket(perMinute, burst, now)
		l.userBuckets[userID] = ub
	}
	ub.lastAccess = now

	ipPerMinute := l.cfg.PerIPPerMinute
	if ddos {
		// Under a DDoS signal per-IP budgets are halved.
		ipPerMinute /= 2
		if ipPerMinute < 1 {
			ipPerMinute = 1
		}
	}
	ib, ok := l.ipBuckets[ip]
	if !ok || ib.limit != ipPerMinute {
		ib = newBucket(ipPerMinute, maxInt(ipPerMinute/60, 1), now)
		l.ipBuckets[ip] = ib
	}
	ib.lastAccess = now

	if ddos && !l.ddosGlobal.AllowN(now, 1) {
		return l.denyLocked(userID, ip, now, perMinute, 0, time.Second)
	}

	if !ib.lim.AllowN(now, 1) {
		return l.denyLocked(userID, ip, now, ipPerMinute, 0, retryAfter(ib, now))
	}
	if !ub.lim.AllowN(now, 1) {
		return l.denyLocked(userID, ip, now, perMinute, 0, retryAfter(ub, now))
	}

	return Decision{
		Allowed:   true,
		Limit:     perMinute,
		Remaining: int(ub.lim.TokensAt(now)),
		Reset:     now.Add(time.Minute),
	}
}

// CheckIP admits or denies by source IP alone, consuming only the IP bucket.
// The websocket handshake runs before authentication, so it is limited by IP
// rather than by a user budget the dialer has not proven it owns.
func (l *Limiter) CheckIP(ip string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ddos := now.Before(l.ddosUntil)

	if st := l.ipStates[ip]; st != nil && now.Before(st.blockUntil) {
		st.lastAccess = now
		return Decision{
			Allowed:    false,
			Code:       rderrors.CodeIPBlocked,
			Limit:      l.cfg.PerIPPerMinute,
			Remaining:  0,
			RetryAfter: st.blockUntil.Sub(now),
			Reset:      st.blockUntil,
		}
	}

	ipPerMinute := l.cfg.PerIPPerMinute
	if ddos {
		ipPerMinute /= 2
		if ipPerMinute < 1 {
			ipPerMinute = 1
		}
	}
	ib, ok := l.ipBuckets[ip]
	if !ok || ib.limit != ipPerMinute {
		ib = newBucket(ipPerMinute, maxInt(ipPerMinute/60, 1), now)
		l.ipBuckets[ip] = ib
	}
	ib.lastAccess = now

	if ddos && !l.ddosGlobal.AllowN(now, 1) {
		return l.denyLocked("", ip, now, ipPerMinute, 0, time.Second)
	}
	if !ib.lim.AllowN(now, 1) {
		return l.denyLocked("", ip, now, ipPerMinute, 0, retryAfter(ib, now))
	}

	return Decision{
		Allowed:   true,
		Limit:     ipPerMinute,
		Remaining: int(ib.lim.TokensAt(now)),
		Reset:     now.Add(time.Minute),
	}
}

// retryAfter estimates when one token becomes available.
func retryAfter(b *bucket, now time.Time) time.Duration {
	if b.limit <= 0 {
		return time.Minute
	}
	perToken := time.Minute / time.Duration(b.limit)
	deficit := 1 - b.lim.TokensAt(now)
	if deficit <= 0 {
		return perToken
	}
	d := time.Duration(float64(perToken) * deficit)
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (l *Limiter) denyLocked(userID, ip string, now time.Time, limit, remaining int, after time.Duration) Decision {
	l.recordViolationLocked(userID, ip, now)
	return Decision{
		Allowed:    false,
		Code:       rderrors.CodeRateLimitExceeded,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: after,
		Reset:      now.Add(after),
	}
}

func (l *Limiter) recordViolationLocked(userID, ip string, now time.Time) {
	l.cfg.Observer.RateLimitViolation()

	l.violationLog = append(l.violationLog, Violation{UserID: userID, IP: ip, At: now})
	if overflow := len(l.violationLog) - l.cfg.ViolationLogSize; overflow > 0 {
		l.violationLog = append([]Violation(nil), l.violationLog[overflow:]...)
	}

	st := l.ipStates[ip]
	if st == nil {
		st = &ipState{}
		l.ipStates[ip] = st
	}
	st.lastAccess = now
	cutoff := now.Add(-l.cfg.ViolationWindow)
	kept := st.violations[:0]
	for _, t := range st.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.violations = append(kept, now)

	n := len(st.violations)
	if n >= l.cfg.BlockThreshold {
		st.blockUntil = now.Add(l.cfg.BanDuration)
		l.logger.Warn().Str("ip", ip).Time("until", st.blockUntil).Msg("ip auto-blocked for repeated rate-limit violations")
	}
	if n >= l.cfg.SuspiciousThreshold && !st.suspicious {
		st.suspicious = true
		l.maybeRaiseDDoSLocked(now)
	}
}

func (l *Limiter) maybeRaiseDDoSLocked(now time.Time) {
	suspicious := 0
	cutoff := now.Add(-l.cfg.ViolationWindow)
	for _, st := range l.ipStates {
		if st.suspicious && st.lastAccess.After(cutoff) {
			suspicious++
		}
	}
	if suspicious >= l.cfg.DDoSSuspiciousIPs && !now.Before(l.ddosUntil) {
		l.ddosUntil = now.Add(l.cfg.DDoSWindow)
		l.logger.Warn().Int("suspicious_ips", suspicious).Time("until", l.ddosUntil).Msg("ddos signal raised; tightening limits")
	}
}

// DDoSActive reports whether the DDoS signal is currently raised.
func (l *Limiter) DDoSActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Before(l.ddosUntil)
}

// Violations returns a snapshot of the rolling violation log, newest last.
func (l *Limiter) Violations() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Violation, len(l.violationLog))
	copy(out, l.violationLog)
	return out
}

// Cleanup evicts stale buckets and expired IP state. The broker's background
// cleaner calls this periodically.
func (l *Limiter) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.cfg.BucketIdleTTL)
	for k, b := range l.userBuckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.userBuckets, k)
		}
	}
	for k, b := range l.ipBuckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.ipBuckets, k)
		}
	}
	for k, st := range l.ipStates {
		if st.lastAccess.Before(cutoff) && !now.Before(st.blockUntil) {
			delete(l.ipStates, k)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
