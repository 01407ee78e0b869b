// Package requestid issues the identifiers the tunnel relies on: unguessable
// broker-unique request ids and user-visible correlation ids.
package requestid

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

// requestIDBytes gives 128 bits of entropy, enough to rule out collision and
// forgery across concurrent users for a broker process lifetime.
const requestIDBytes = 16

// NewRequestID returns a fresh unguessable request id (base64url, no
// padding). Like uuid.NewString it panics if the system entropy source fails,
// which only happens on a broken platform.
func NewRequestID() string {
	b := make([]byte, requestIDBytes)
	if _, err := rand.Read(b); err != nil {
		panic("requestid: reading system entropy: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewCorrelationID returns the id surfaced in X-Correlation-Id, logs, and
// trace spans for one request.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Validate checks that an id has the expected shape for a broker-issued
// request id. The broker never trusts agent-provided ids beyond table lookup;
// this guard only rejects garbage early.
func Validate(id string) error {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return errors.New("invalid request id")
	}
	if len(b) != requestIDBytes {
		return errors.New("invalid request id")
	}
	return nil
}
