package rderrors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ClassifyNetworkCode maps a transport-layer error to a stable Code.
func ClassifyNetworkCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUpstreamTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return CodeNetworkUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNSFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeUpstreamTimeout
	}
	return CodeUpstreamError
}

// ClassifyDialCode maps a websocket dial error to a stable Code.
func ClassifyDialCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUpstreamTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return CodeNetworkUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeDNSFailure
	}
	return CodeServerUnavailable
}

// HTTPStatus maps a stable code to the status the proxy front returns.
func HTTPStatus(code Code) int {
	switch code {
	case CodeTokenMissing, CodeTokenInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimitExceeded, CodeIPBlocked:
		return http.StatusTooManyRequests
	case CodeSessionLimit:
		return http.StatusConflict
	case CodeAgentOffline, CodeSessionLost, CodeQueueFull, CodeServerUnavailable:
		return http.StatusServiceUnavailable
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodePathTraversal, CodeBadFrame, CodeFrameTooLarge:
		return http.StatusBadRequest
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// Suggestion returns a short remediation hint for user-facing error bodies.
func Suggestion(code Code) string {
	switch code {
	case CodeTokenMissing:
		return "include an Authorization: Bearer header"
	case CodeTokenInvalid:
		return "obtain a new token and sign in again"
	case CodeTokenExpired:
		return "refresh the token and retry"
	case CodeForbidden:
		return "the token does not grant access to this user's tunnel"
	case CodeRateLimitExceeded, CodeIPBlocked:
		return "slow down and retry after the indicated delay"
	case CodeAgentOffline:
		return "start the desktop agent and retry"
	case CodeQueueFull:
		return "the agent is saturated; retry shortly"
	case CodeUpstreamTimeout:
		return "the local service did not answer in time"
	default:
		if Retryable(code) {
			return "retry; if the problem persists check the agent logs"
		}
		return "check configuration and credentials"
	}
}

// ParseCode returns the Code for a wire string, or internal_error plus false
// when the string is not part of the taxonomy.
func ParseCode(s string) (Code, bool) {
	c := Code(strings.TrimSpace(s))
	if _, ok := codeCategories[c]; ok {
		return c, true
	}
	return CodeInternalError, false
}
