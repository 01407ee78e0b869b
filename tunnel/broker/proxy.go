package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/breaker"
	"github.com/relaydesk/relaydesk/internal/requestid"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/wire"
)

// errorBody is the JSON error envelope every failed proxy request returns.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Suggestion    string `json:"suggestion,omitempty"`
	RetryAfterSec int64  `json:"retry_after,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSONError(w http.ResponseWriter, status int, code rderrors.Code, message string, retryAfter time.Duration, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-Id", correlationID)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()+0.999), 10))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:          string(code),
		Message:       message,
		Suggestion:    rderrors.Suggestion(code),
		RetryAfterSec: int64(retryAfter.Seconds()),
		CorrelationID: correlationID,
	}})
}

// splitProxyPath extracts the target user and the remainder from
// /api/tunnel/{user}/rest or /api/direct-proxy/{user}/rest.
func splitProxyPath(p string) (userID, rest string, ok bool) {
	for _, prefix := range []string{"/api/tunnel/", "/api/direct-proxy/"} {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			userID, rest, _ = strings.Cut(p, "/")
			if userID == "" {
				return "", "", false
			}
			return userID, "/" + rest, true
		}
	}
	return "", "", false
}

// hasTraversal rejects paths that try to climb out of the forwarded tree.
func hasTraversal(p string) bool {
	if strings.ContainsRune(p, '\\') {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func outcomeForCode(code rderrors.Code) observability.Outcome {
	switch code {
	case rderrors.CodeUpstreamTimeout:
		return observability.OutcomeTimeout
	case rderrors.CodeSessionLost:
		return observability.OutcomeSessionLost
	case rderrors.CodeQueueFull:
		return observability.OutcomeQueueFull
	case rderrors.CodeAgentOffline:
		return observability.OutcomeAgentOffline
	case rderrors.CodeRateLimitExceeded, rderrors.CodeIPBlocked:
		return observability.OutcomeRateLimited
	case rderrors.CodeTokenMissing, rderrors.CodeTokenInvalid, rderrors.CodeTokenExpired, rderrors.CodeForbidden:
		return observability.OutcomeAuthFailed
	default:
		return observability.OutcomeAgentError
	}
}

// handleProxy tunnels one HTTP request to the target user's agent.
func (b *Broker) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := requestid.NewCorrelationID()
	logger := b.logger.With().Str("correlation_id", correlationID).Logger()

	span := observability.StartSpan(logger, observability.SpanForwardRequest)
	outcome := observability.OutcomeOK
	var bytesOut int64
	defer func() {
		span.End(string(outcome))
		b.obs.Request(outcome, time.Since(start), bytesOut)
	}()

	fail := func(status int, code rderrors.Code, message string, retryAfter time.Duration) {
		outcome = outcomeForCode(code)
		b.obs.ErrorByCategory(string(rderrors.CategoryOf(code)))
		logger.Debug().Str("code", string(code)).Str("path", r.URL.Path).Msg(message)
		writeJSONError(w, status, code, message, retryAfter, correlationID)
	}

	userID, rest, ok := splitProxyPath(r.URL.Path)
	if !ok {
		fail(http.StatusNotFound, rderrors.CodeBadFrame, "unknown proxy route", 0)
		return
	}

	authSpan := observability.StartSpan(logger, observability.SpanValidateToken)
	identity, err := b.cfg.Validator.Validate(auth.BearerFromHeader(r.Header.Get("Authorization")))
	authSpan.End(observability.SpanStatus(err))
	if err != nil {
		code := rderrors.CodeOf(err)
		fail(rderrors.HTTPStatus(code), code, "authentication failed", 0)
		return
	}
	if identity.UserID != userID {
		fail(http.StatusForbidden, rderrors.CodeForbidden, "token does not grant access to this tunnel", 0)
		return
	}

	if hasTraversal(rest) {
		fail(http.StatusBadRequest, rderrors.CodePathTraversal, "path escapes the forwarded tree", 0)
		return
	}

	if b.cfg.Limiter != nil {
		rlSpan := observability.StartSpan(logger, observability.SpanRateLimitCheck)
		d := b.cfg.Limiter.Check(identity.UserID, identity.Tier, clientIP(r))
		rlSpan.End(allowedStatus(d.Allowed))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.Allowed {
			fail(rderrors.HTTPStatus(d.Code), d.Code, "rate limit exceeded", d.RetryAfter)
			return
		}
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBodyBytes()))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				fail(http.StatusRequestEntityTooLarge, rderrors.CodeFrameTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), 0)
				return
			}
			fail(http.StatusBadRequest, rderrors.CodeBadFrame, "failed to read request body", 0)
			return
		}
	}

	sess, err := b.registry.Resolve(userID)
	if err != nil {
		code := rderrors.CodeOf(err)
		fail(rderrors.HTTPStatus(code), code, "no agent is connected for this user", 5*time.Second)
		return
	}

	timeout := b.requestTimeout()
	if v := r.Header.Get("X-Timeout-Ms"); v != "" {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	// The caller's override is capped so the wire frame and the agent see the
	// same bounded deadline the correlator enforces.
	if timeout > b.cfg.MaxRequestTimeout {
		timeout = b.cfg.MaxRequestTimeout
	}
	if r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}
	req := wire.NewHTTPRequest("", r.Method, rest, wire.SanitizeRequestHeaders(r.Header), body, timeout.Milliseconds())

	ctx, cancel := context.WithTimeout(r.Context(), timeout+time.Second)
	defer cancel()

	var resp *wire.HTTPResponse
	var dispatchErr error
	brk := b.breakers.Get(userID)
	execErr := brk.Execute(func() error {
		resp, dispatchErr = sess.(*session).dispatch(ctx, req, timeout)
		if dispatchErr == nil {
			return nil
		}
		// A caller that went away says nothing about agent health.
		if errors.Is(dispatchErr, context.Canceled) {
			return nil
		}
		return dispatchErr
	})
	if errors.Is(execErr, breaker.ErrOpen) {
		fail(http.StatusServiceUnavailable, rderrors.CodeServerUnavailable, "circuit open for this user's agent", 30*time.Second)
		return
	}
	if dispatchErr != nil {
		if errors.Is(dispatchErr, context.Canceled) {
			outcome = observability.OutcomeCanceled
			return
		}
		code := rderrors.CodeOf(dispatchErr)
		if errors.Is(dispatchErr, context.DeadlineExceeded) {
			code = rderrors.CodeUpstreamTimeout
		}
		status := rderrors.HTTPStatus(code)
		if code == rderrors.CodeFrameTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		fail(status, code, dispatchErr.Error(), retryAfterOf(dispatchErr))
		return
	}

	h := w.Header()
	wire.CopyToHTTPHeader(h, wire.SanitizeResponseHeaders(resp.Headers))
	h.Set("X-Correlation-Id", correlationID)
	w.WriteHeader(resp.Status)
	n, _ := w.Write(resp.Body)
	bytesOut = int64(n)
}

func retryAfterOf(err error) time.Duration {
	var e *rderrors.Error
	if errors.As(err, &e) && e != nil {
		return e.RetryAfter
	}
	return 0
}
