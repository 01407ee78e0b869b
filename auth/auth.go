// Package auth verifies bearer tokens and yields the user identity and tier
// that drive tunnel isolation and limits.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaydesk/relaydesk/rderrors"
)

// Tier is the role a token grants; it governs session caps and rate limits.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a claim value onto a known tier, defaulting to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// MaxSessions returns the per-user concurrent session cap for the tier.
func (t Tier) MaxSessions() int {
	switch t {
	case TierEnterprise:
		return 10
	case TierPremium:
		return 3
	default:
		return 1
	}
}

// RequestsPerMinute returns the default request rate cap for the tier.
func (t Tier) RequestsPerMinute() int {
	switch t {
	case TierEnterprise:
		return 1000
	case TierPremium:
		return 300
	default:
		return 60
	}
}

// Burst returns the default token-bucket burst for the tier.
func (t Tier) Burst() int {
	switch t {
	case TierEnterprise:
		return 10
	case TierPremium:
		return 3
	default:
		return 1
	}
}

// Identity is the result of validating a bearer token.
type Identity struct {
	UserID    string
	Tier      Tier
	ExpiresAt time.Time
}

// Config configures a Validator.
type Config struct {
	Issuer    string      // Expected iss claim (required).
	Audience  string      // Expected aud claim (required).
	Keyfunc   jwt.Keyfunc // Resolves the verification key (required).
	TierClaim string      // Claim carrying the tier; defaults to "tier".
	ClockSkew time.Duration

	MaxCacheTTL     time.Duration // Upper bound for cached validation results.
	MaxCacheEntries int           // Bound on the cache size.
}

// Validator verifies bearer tokens against a trusted issuer and caches
// results keyed by token hash for up to half the remaining token lifetime.
type Validator struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	cache map[[sha256.Size]byte]cacheEntry
}

type cacheEntry struct {
	identity Identity
	until    time.Time
}

const (
	defaultTierClaim       = "tier"
	defaultMaxCacheTTL     = 5 * time.Minute
	defaultMaxCacheEntries = 10000
)

// New validates config and returns a Validator.
func New(cfg Config) (*Validator, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("missing token issuer")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("missing token audience")
	}
	if cfg.Keyfunc == nil {
		return nil, errors.New("missing keyfunc")
	}
	if cfg.TierClaim == "" {
		cfg.TierClaim = defaultTierClaim
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.MaxCacheTTL <= 0 {
		cfg.MaxCacheTTL = defaultMaxCacheTTL
	}
	if cfg.MaxCacheEntries <= 0 {
		cfg.MaxCacheEntries = defaultMaxCacheEntries
	}
	return &Validator{
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[[sha256.Size]byte]cacheEntry),
	}, nil
}

// Validate verifies a bearer token. Expired tokens fail with token_expired
// (retryable after refresh); anything else wrong with the token fails with
// token_invalid (not retryable). A missing token is token_missing.
func (v *Validator) Validate(bearer string) (Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Identity{}, rderrors.New(rderrors.CodeTokenMissing, "missing bearer token")
	}

	key := sha256.Sum256([]byte(bearer))
	now := v.now()
	v.mu.Lock()
	if e, ok := v.cache[key]; ok && now.Before(e.until) && now.Before(e.identity.ExpiresAt) {
		v.mu.Unlock()
		return e.identity, nil
	}
	v.mu.Unlock()

	id, err := v.verify(bearer, now)
	if err != nil {
		return Identity{}, err
	}

	// Cache for half the remaining lifetime, bounded by MaxCacheTTL.
	ttl := id.ExpiresAt.Sub(now) / 2
	if ttl > v.cfg.MaxCacheTTL {
		ttl = v.cfg.MaxCacheTTL
	}
	if ttl > 0 {
		v.mu.Lock()
		if len(v.cache) < v.cfg.MaxCacheEntries {
			v.cache[key] = cacheEntry{identity: id, until: now.Add(ttl)}
		}
		v.mu.Unlock()
	}
	return id, nil
}

func (v *Validator) verify(bearer string, now time.Time) (Identity, error) {
	parser := jwt.NewParser(
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(bearer, claims, v.cfg.Keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, rderrors.Wrap(rderrors.CodeTokenExpired, err)
		}
		return Identity{}, rderrors.Wrap(rderrors.CodeTokenInvalid, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Identity{}, rderrors.New(rderrors.CodeTokenInvalid, "token missing subject")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Identity{}, rderrors.New(rderrors.CodeTokenInvalid, "token missing expiry")
	}
	tier := TierFree
	if raw, ok := claims[v.cfg.TierClaim]; ok {
		if s, ok := raw.(string); ok {
			tier = ParseTier(s)
		}
	}
	return Identity{UserID: sub, Tier: tier, ExpiresAt: exp.Time}, nil
}

// CleanupExpired drops cache entries whose hold time or token has expired.
// The broker's background cleaner calls this periodically.
func (v *Validator) CleanupExpired(now time.Time) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for k, e := range v.cache {
		if !now.Before(e.until) || !now.Before(e.identity.ExpiresAt) {
			delete(v.cache, k)
			removed++
		}
	}
	return removed
}

// CacheLen reports the current cache size.
func (v *Validator) CacheLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// ConstantTimeEquals compares two secrets without leaking length timing on
// the match path. Used for the admin token on diagnostics endpoints.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
