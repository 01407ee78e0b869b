package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/relaydesk/agent/queue"
	"github.com/relaydesk/relaydesk/internal/contextutil"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/realtime/ws"
	"github.com/relaydesk/relaydesk/wire"
)

// connectAndServe dials the broker and services the session until it dies.
// established reports whether the handshake succeeded, so the caller can
// reset its backoff clock.
func (a *Agent) connectAndServe(ctx context.Context) (established bool, err error) {
	token, err := a.cfg.Tokens.Token(ctx)
	if err != nil {
		return false, rderrors.Wrap(rderrors.CodeTokenMissing, err)
	}

	dctx, cancel := contextutil.WithTimeout(ctx, 10*time.Second)
	conn, resp, err := ws.Dial(dctx, a.cfg.BrokerURL, ws.DialOptions{
		Header: http.Header{"Authorization": {"Bearer " + token}},
		Dialer: a.cfg.Dialer,
	})
	cancel()
	if err != nil {
		if code, ok := handshakeErrorCode(resp); ok {
			return false, rderrors.New(code, "broker rejected the handshake")
		}
		return false, rderrors.Wrap(rderrors.ClassifyDialCode(err), err)
	}
	conn.SetReadLimit(int64(a.cfg.MaxFrameBytes))
	a.setState(StateConnected)
	a.logger.Info().Str("broker", a.cfg.BrokerURL).Msg("connected to broker")

	s := newClientSession(a, ctx, conn)
	return true, s.run()
}

// handshakeErrorCode extracts the taxonomy code from a rejected handshake's
// JSON error body.
func handshakeErrorCode(resp *http.Response) (rderrors.Code, bool) {
	if resp == nil || resp.Body == nil {
		return "", false
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return "", false
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &body) != nil || body.Error.Code == "" {
		return "", false
	}
	code, ok := rderrors.ParseCode(body.Error.Code)
	return code, ok
}

// clientSession is one live broker connection on the agent side. Mirrors the
// broker's session: a single writer goroutine, heartbeats on a priority
// channel, and a watchdog that reconnects when the broker goes silent.
type clientSession struct {
	a    *Agent
	conn *ws.Conn

	ctx    context.Context
	cancel context.CancelFunc

	out chan []byte
	hb  chan []byte
	sem chan struct{}

	lastPing atomic.Int64 // Unix nanos of the last broker ping.

	mu  sync.Mutex
	err error
}

func newClientSession(a *Agent, parent context.Context, conn *ws.Conn) *clientSession {
	ctx, cancel := context.WithCancel(parent)
	s := &clientSession{
		a:      a,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, 64),
		hb:     make(chan []byte, 8),
		sem:    make(chan struct{}, a.cfg.MaxConcurrent),
	}
	s.lastPing.Store(time.Now().UnixNano())
	return s
}

// fail records the first terminal error and tears the session down.
func (s *clientSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *clientSession) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *clientSession) run() error {
	defer s.cancel()
	defer s.conn.Close()

	go s.writeLoop()
	go s.watchdog()
	go s.flushQueue()

	s.readLoop()
	return s.terminalErr()
}

func (s *clientSession) readLoop() {
	for {
		mt, msg, err := s.conn.ReadMessage(s.ctx)
		if err != nil {
			s.fail(rderrors.Wrap(rderrors.CodeSessionLost, err))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		v, err := wire.Decode(msg, s.a.cfg.MaxFrameBytes)
		if err != nil {
			var unknown *wire.UnknownTypeError
			if errors.As(err, &unknown) {
				s.a.logger.Debug().Str("frame_type", unknown.Type).Msg("ignoring unknown frame type")
			} else {
				s.a.logger.Warn().Err(err).Msg("dropping malformed frame from broker")
			}
			continue
		}

		switch m := v.(type) {
		case *wire.HTTPRequest:
			select {
			case s.sem <- struct{}{}:
			case <-s.ctx.Done():
				s.queueRequest(m)
				return
			}
			go func(req *wire.HTTPRequest) {
				defer func() { <-s.sem }()
				s.handleRequest(req)
			}(m)
		case *wire.Ping:
			s.lastPing.Store(time.Now().UnixNano())
			s.enqueueHeartbeat(wire.NewPong(m.ID, time.Now().UnixMilli()))
		case *wire.Pong:
		case *wire.Error:
			if s.handleErrorFrame(m) {
				return
			}
		case *wire.HTTPResponse:
			s.a.logger.Warn().Str("request_id", m.ID).Msg("broker sent an http_response frame; dropping")
		}
	}
}

// handleErrorFrame reports whether the session must terminate.
func (s *clientSession) handleErrorFrame(m *wire.Error) bool {
	code, _ := rderrors.ParseCode(m.Code)
	err := &rderrors.Error{Code: code, Message: m.Message, RetryAfter: time.Duration(m.RetryAfterSec) * time.Second}
	switch code {
	case rderrors.CodeTokenExpired, rderrors.CodeSessionLimit, rderrors.CodeTokenInvalid, rderrors.CodeForbidden:
		s.fail(err)
		return true
	}
	s.a.logger.Warn().Str("code", string(code)).Str("message", m.Message).Msg("error frame from broker")
	return false
}

func (s *clientSession) writeLoop() {
	for {
		select {
		case frame := <-s.hb:
			if !s.write(frame) {
				return
			}
			continue
		default:
		}
		select {
		case frame := <-s.hb:
			if !s.write(frame) {
				return
			}
		case frame := <-s.out:
			if !s.write(frame) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *clientSession) write(frame []byte) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.a.cfg.WriteTimeout)
	err := s.conn.WriteMessage(ctx, websocket.TextMessage, frame)
	cancel()
	if err != nil {
		s.fail(rderrors.Wrap(rderrors.CodeSessionLost, err))
		return false
	}
	return true
}

// watchdog reconnects when the broker stops pinging.
func (s *clientSession) watchdog() {
	interval := s.a.cfg.PingTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			if now.Sub(time.Unix(0, s.lastPing.Load())) > s.a.cfg.PingTimeout {
				s.a.logger.Warn().Msg("broker went silent; reconnecting")
				s.fail(rderrors.New(rderrors.CodeHeartbeatTimeout, "no ping from broker"))
				return
			}
		}
	}
}

func (s *clientSession) enqueueHeartbeat(v any) {
	frame, err := wire.Encode(v, s.a.cfg.MaxFrameBytes)
	if err != nil {
		return
	}
	select {
	case s.hb <- frame:
	default:
	}
}

// send queues a frame for the writer, reporting failure once the session is
// tearing down.
func (s *clientSession) send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// handleRequest executes one tunneled request against the local origin and
// ships the result back. If the session dies first the request is queued for
// the next connection.
func (s *clientSession) handleRequest(req *wire.HTTPRequest) {
	start := time.Now()
	resp, rerr := s.a.serveLocal(s.ctx, req)

	var frame []byte
	var encErr error
	outcome := observability.OutcomeOK
	if rerr != nil {
		outcome = observability.OutcomeAgentError
		frame, encErr = wire.Encode(wire.NewError(req.ID, string(rerr.Code), string(rerr.Category()), rerr.Message, 0), s.a.cfg.MaxFrameBytes)
	} else {
		frame, encErr = wire.Encode(resp, s.a.cfg.MaxFrameBytes)
		if errors.Is(encErr, wire.ErrFrameTooLarge) {
			outcome = observability.OutcomeAgentError
			frame, encErr = wire.Encode(wire.NewError(req.ID, string(rderrors.CodeFrameTooLarge),
				string(rderrors.CategoryProtocol), "local response exceeds the frame size limit", 0), s.a.cfg.MaxFrameBytes)
		}
	}
	s.a.obs.LocalRequest(outcome, time.Since(start))
	if encErr != nil {
		s.a.logger.Error().Err(encErr).Str("request_id", req.ID).Msg("failed to encode response frame")
		return
	}
	if !s.send(frame) {
		s.queueRequest(req)
	}
}

// queueRequest buffers a request that could not be answered before the
// session died.
func (s *clientSession) queueRequest(req *wire.HTTPRequest) {
	if s.a.cfg.Queue == nil {
		return
	}
	err := s.a.cfg.Queue.Enqueue(queue.Item{
		ID:      req.ID,
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		s.a.logger.Warn().Err(err).Str("request_id", req.ID).Msg("offline queue rejected request")
	}
}

// flushQueue replays requests buffered while disconnected, oldest first.
func (s *clientSession) flushQueue() {
	q := s.a.cfg.Queue
	if q == nil {
		return
	}
	for {
		if s.ctx.Err() != nil {
			return
		}
		it, ok := q.Dequeue()
		if !ok {
			return
		}
		req := wire.NewHTTPRequest(it.ID, it.Method, it.Path, it.Headers, it.Body, 0)
		s.a.logger.Info().Str("request_id", it.ID).Str("path", it.Path).Msg("replaying queued request")
		s.handleRequest(req)
	}
}

// serveLocal performs one HTTP request against the local origin.
func (a *Agent) serveLocal(ctx context.Context, req *wire.HTTPRequest) (*wire.HTTPResponse, *rderrors.Error) {
	timeout := a.cfg.LocalTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	rctx, cancel := contextutil.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(a.cfg.LocalOrigin, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(rctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, rderrors.New(rderrors.CodeBadFrame, "invalid request: "+err.Error())
	}
	wire.CopyToHTTPHeader(httpReq.Header, req.Headers)

	resp, err := a.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		code := rderrors.ClassifyNetworkCode(err)
		a.logger.Debug().Err(err).Str("path", req.Path).Str("code", string(code)).Msg("local request failed")
		return nil, rderrors.New(code, "local origin request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(a.cfg.MaxFrameBytes)))
	if err != nil {
		return nil, rderrors.New(rderrors.ClassifyNetworkCode(err), "reading local response failed")
	}
	return wire.NewHTTPResponse(req.ID, resp.StatusCode, flattenHeader(resp.Header), body), nil
}

// flattenHeader lowercases and joins a response header for the wire.
func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vs := range h {
		m[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return wire.SanitizeResponseHeaders(m)
}
