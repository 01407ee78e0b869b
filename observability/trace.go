package observability

import (
	"time"

	"github.com/rs/zerolog"
)

// Span operation names shared by the broker's hot paths.
const (
	SpanWebsocketConnection = "websocket.connection"
	SpanForwardRequest      = "tunnel.forward_request"
	SpanValidateToken       = "auth.validate_token"
	SpanRateLimitCheck      = "rate_limit.check"
)

// Span times one named operation. Spans are emitted as debug-level log events
// that inherit whatever ids the logger is already scoped with (correlation
// id, session id, user id), so one request can be followed across components
// without an external trace collector.
type Span struct {
	logger zerolog.Logger
	op     string
	start  time.Time
}

// StartSpan opens a span named op on logger.
func StartSpan(logger zerolog.Logger, op string) *Span {
	return &Span{logger: logger, op: op, start: time.Now()}
}

// End emits the span with its terminal status, e.g. "ok" or a failure label.
func (s *Span) End(status string) {
	s.logger.Debug().
		Str("span", s.op).
		Str("span_status", status).
		Dur("span_duration", time.Since(s.start)).
		Msg("span finished")
}

// SpanStatus maps an error onto the usual ok/error span status.
func SpanStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
