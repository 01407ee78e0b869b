package rderrors

import (
	"errors"
	"fmt"
	"time"
)

// Category groups stable error codes by origin.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate_limit"
	CategoryServer         Category = "server"
	CategoryProtocol       Category = "protocol"
	CategoryUpstream       Category = "upstream"
	CategoryConfiguration  Category = "configuration"
)

// Code is a stable, programmatic error identifier. Codes are wire-exposed and
// must never change once published.
type Code string

const (
	CodeConnectionRefused  Code = "connection_refused"
	CodeDNSFailure         Code = "dns_failure"
	CodeNetworkUnreachable Code = "network_unreachable"

	CodeTokenMissing Code = "token_missing"
	CodeTokenInvalid Code = "token_invalid"
	CodeTokenExpired Code = "token_expired"
	CodeForbidden    Code = "forbidden"

	CodeRateLimitExceeded Code = "rate_limit_exceeded"
	CodeQueueFull         Code = "queue_full"
	CodeIPBlocked         Code = "ip_blocked"
	CodeSessionLimit      Code = "session_limit_exceeded"

	CodeAgentOffline      Code = "agent_offline"
	CodeSessionLost       Code = "session_lost"
	CodeHeartbeatTimeout  Code = "heartbeat_timeout"
	CodeInternalError     Code = "internal_error"
	CodeServerUnavailable Code = "server_unavailable"

	CodeBadFrame             Code = "bad_frame"
	CodeFrameTooLarge        Code = "frame_too_large"
	CodeUnknownType          Code = "unknown_type"
	CodeCrossSessionResponse Code = "cross_session_response"
	CodePathTraversal        Code = "path_traversal"

	CodeUpstreamTimeout Code = "upstream_timeout"
	CodeUpstreamError   Code = "upstream_error"

	CodeConfigurationError Code = "configuration_error"
)

var codeCategories = map[Code]Category{
	CodeConnectionRefused:  CategoryNetwork,
	CodeDNSFailure:         CategoryNetwork,
	CodeNetworkUnreachable: CategoryNetwork,

	CodeTokenMissing: CategoryAuthentication,
	CodeTokenInvalid: CategoryAuthentication,
	CodeTokenExpired: CategoryAuthentication,
	CodeForbidden:    CategoryAuthentication,

	CodeRateLimitExceeded: CategoryRateLimit,
	CodeQueueFull:         CategoryRateLimit,
	CodeIPBlocked:         CategoryRateLimit,
	CodeSessionLimit:      CategoryRateLimit,

	CodeAgentOffline:      CategoryServer,
	CodeSessionLost:       CategoryServer,
	CodeHeartbeatTimeout:  CategoryServer,
	CodeInternalError:     CategoryServer,
	CodeServerUnavailable: CategoryServer,

	CodeBadFrame:             CategoryProtocol,
	CodeFrameTooLarge:        CategoryProtocol,
	CodeUnknownType:          CategoryProtocol,
	CodeCrossSessionResponse: CategoryProtocol,
	CodePathTraversal:        CategoryProtocol,

	CodeUpstreamTimeout: CategoryUpstream,
	CodeUpstreamError:   CategoryUpstream,

	CodeConfigurationError: CategoryConfiguration,
}

// CategoryOf returns the category a code belongs to, defaulting to server.
func CategoryOf(code Code) Category {
	if c, ok := codeCategories[code]; ok {
		return c
	}
	return CategoryServer
}

// nonRetryable holds codes a caller must not retry automatically.
var nonRetryable = map[Code]struct{}{
	CodeTokenInvalid:         {},
	CodeForbidden:            {},
	CodeBadFrame:             {},
	CodePathTraversal:        {},
	CodeCrossSessionResponse: {},
	CodeConfigurationError:   {},
}

// Retryable reports whether an operation failing with code may be retried.
func Retryable(code Code) bool {
	_, ok := nonRetryable[code]
	return !ok
}

// Error is a structured, programmatically identifiable tunnel error.
type Error struct {
	Code          Code
	Message       string
	RetryAfter    time.Duration // Zero when no retry hint applies.
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, CategoryOf(e.Code), e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, CategoryOf(e.Code), e.Message)
	}
	return fmt.Sprintf("%s (%s)", e.Code, CategoryOf(e.Code))
}

func (e *Error) Unwrap() error { return e.Err }

// Category returns the category derived from the error code.
func (e *Error) Category() Category { return CategoryOf(e.Code) }

// Retryable reports whether the error may be retried.
func (e *Error) Retryable() bool { return Retryable(e.Code) }

// New builds an Error with a human-readable message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an underlying cause.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the stable code from err, or internal_error when err does
// not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternalError
}
