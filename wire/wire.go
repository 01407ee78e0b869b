// Package wire defines the JSON message schema exchanged between the broker
// and the agent. One JSON object travels per websocket text frame; binary
// bodies ride inside the JSON as base64 ([]byte marshaling).
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message type discriminators. The top-level "type" field selects the schema.
const (
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// DefaultMaxFrameBytes bounds a single encoded frame.
//
// Do not decode with maxBytes<=0 on untrusted inputs; that disables the size
// guard and allows large allocations.
const DefaultMaxFrameBytes = 1 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrBadFrame      = errors.New("wire: malformed frame")
)

// UnknownTypeError reports a structurally valid frame whose type is not part
// of the protocol. Receivers log it once and continue.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("wire: unknown message type %q", e.Type)
}

// HTTPRequest is sent broker -> agent to tunnel one HTTP request.
type HTTPRequest struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// HTTPResponse is sent agent -> broker for an outstanding request id.
type HTTPResponse struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Ping is a liveness probe; the peer echoes the id in a Pong.
type Ping struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a Ping with the same id.
type Pong struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Error carries a stable taxonomy code. When it answers a specific request
// the id field names it; otherwise the error applies to the session.
type Error struct {
	Type          string `json:"type"`
	ID            string `json:"id,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Category      string `json:"category"`
	RetryAfterSec int64  `json:"retry_after,omitempty"`
}

// Encode marshals a message and enforces the frame-size bound.
func Encode(v any, maxBytes int) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && len(b) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one frame into its typed message. Malformed JSON or a missing
// required field returns ErrBadFrame (session-fatal); an unrecognized type
// returns *UnknownTypeError (ignorable).
func Decode(b []byte, maxBytes int) (any, error) {
	if maxBytes > 0 && len(b) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch env.Type {
	case TypeHTTPRequest:
		var m HTTPRequest
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Method) == "" || strings.TrimSpace(m.Path) == "" {
			return nil, fmt.Errorf("%w: http_request missing id/method/path", ErrBadFrame)
		}
		return &m, nil
	case TypeHTTPResponse:
		var m HTTPResponse
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("%w: http_response missing id", ErrBadFrame)
		}
		return &m, nil
	case TypePing:
		var m Ping
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("%w: ping missing id", ErrBadFrame)
		}
		return &m, nil
	case TypePong:
		var m Pong
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("%w: pong missing id", ErrBadFrame)
		}
		return &m, nil
	case TypeError:
		var m Error
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if strings.TrimSpace(m.Code) == "" {
			return nil, fmt.Errorf("%w: error missing code", ErrBadFrame)
		}
		return &m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrBadFrame)
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

// NewHTTPRequest fills the type tag.
func NewHTTPRequest(id, method, path string, headers map[string]string, body []byte, timeoutMS int64) *HTTPRequest {
	return &HTTPRequest{Type: TypeHTTPRequest, ID: id, Method: method, Path: path, Headers: headers, Body: body, TimeoutMS: timeoutMS}
}

// NewHTTPResponse fills the type tag.
func NewHTTPResponse(id string, status int, headers map[string]string, body []byte) *HTTPResponse {
	return &HTTPResponse{Type: TypeHTTPResponse, ID: id, Status: status, Headers: headers, Body: body}
}

// NewPing fills the type tag.
func NewPing(id string, tsUnixMS int64) *Ping {
	return &Ping{Type: TypePing, ID: id, Timestamp: tsUnixMS}
}

// NewPong echoes a ping id.
func NewPong(id string, tsUnixMS int64) *Pong {
	return &Pong{Type: TypePong, ID: id, Timestamp: tsUnixMS}
}

// NewError fills the type tag and category.
func NewError(id, code, category, message string, retryAfterSec int64) *Error {
	return &Error{Type: TypeError, ID: id, Code: code, Category: category, Message: message, RetryAfterSec: retryAfterSec}
}
