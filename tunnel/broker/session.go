package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaydesk/relaydesk/auth"
	"github.com/relaydesk/relaydesk/internal/requestid"
	"github.com/relaydesk/relaydesk/observability"
	"github.com/relaydesk/relaydesk/rderrors"
	"github.com/relaydesk/relaydesk/realtime/ws"
	"github.com/relaydesk/relaydesk/tunnel/correlator"
	"github.com/relaydesk/relaydesk/tunnel/registry"
	"github.com/relaydesk/relaydesk/wire"
)

// Session lifecycle states.
const (
	stateHandshaking int32 = iota
	stateAuthenticating
	stateActive
	stateDraining
	stateClosed
)

func stateName(s int32) string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one authenticated agent websocket. A single writer goroutine
// owns the socket's write side; heartbeats jump the data queue through a
// dedicated channel.
type session struct {
	id     string
	userID string
	tier   auth.Tier
	b      *Broker
	conn   *ws.Conn
	logger zerolog.Logger
	handle registry.Handle

	ctx    context.Context
	cancel context.CancelFunc

	corr *correlator.Correlator
	sem  chan struct{} // In-flight dispatch slots.
	out  chan []byte   // Data frames.
	hb   chan []byte   // Heartbeat frames; drained before out.

	state    atomic.Int32
	lastPong atomic.Int64 // Unix nanos.
	lastRead atomic.Int64 // Unix nanos.

	closeOnce sync.Once
}

var _ registry.Session = (*session)(nil)

func (b *Broker) newSession(identity auth.Identity, conn *ws.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     requestid.NewRequestID(),
		userID: identity.UserID,
		tier:   identity.Tier,
		b:      b,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, b.cfg.MaxChannelsPerSession),
		out:    make(chan []byte, 64),
		hb:     make(chan []byte, 8),
	}
	s.logger = b.logger.With().Str("session_id", s.id).Str("user_id", s.userID).Logger()
	s.corr = correlator.New(correlator.Config{
		MaxPending:     b.cfg.MaxPendingPerSession,
		DefaultTimeout: b.requestTimeout(),
		MaxTimeout:     b.cfg.MaxRequestTimeout,
		Observer:       b.obs,
	}, s.logger)
	now := time.Now().UnixNano()
	s.lastPong.Store(now)
	s.lastRead.Store(now)
	return s
}

func (s *session) ID() string      { return s.id }
func (s *session) UserID() string  { return s.userID }
func (s *session) Tier() auth.Tier { return s.tier }

func (s *session) setState(st int32) { s.state.Store(st) }
func (s *session) getState() int32   { return s.state.Load() }

func (s *session) lastReadTime() time.Time { return time.Unix(0, s.lastRead.Load()) }

// run services the session until its connection dies. It blocks.
func (s *session) run() {
	s.setState(stateActive)
	s.logger.Info().Str("tier", string(s.tier)).Msg("agent session active")
	go s.writeLoop()
	go s.heartbeatLoop()
	s.readLoop()
}

func (s *session) readLoop() {
	for {
		mt, msg, err := s.conn.ReadMessage(s.ctx)
		if err != nil {
			switch {
			case s.getState() == stateClosed:
			case errors.Is(err, websocket.ErrReadLimit):
				s.close(observability.CloseReasonFrameTooLarge)
			default:
				s.close(observability.CloseReasonPeerClosed)
			}
			return
		}
		if mt != websocket.TextMessage {
			s.sendErrorFrame("", rderrors.CodeBadFrame, "expected text frames")
			s.close(observability.CloseReasonBadFrame)
			return
		}
		s.lastRead.Store(time.Now().UnixNano())

		v, err := wire.Decode(msg, s.b.cfg.MaxFrameBytes)
		if err != nil {
			var unknown *wire.UnknownTypeError
			switch {
			case errors.As(err, &unknown):
				s.logger.Debug().Str("frame_type", unknown.Type).Msg("ignoring unknown frame type")
				continue
			case errors.Is(err, wire.ErrFrameTooLarge):
				s.sendErrorFrame("", rderrors.CodeFrameTooLarge, "frame exceeds limit")
				s.close(observability.CloseReasonFrameTooLarge)
			default:
				s.b.obs.ErrorByCategory(string(rderrors.CategoryProtocol))
				s.sendErrorFrame("", rderrors.CodeBadFrame, "malformed frame")
				s.close(observability.CloseReasonBadFrame)
			}
			return
		}

		switch m := v.(type) {
		case *wire.HTTPResponse:
			if !s.acceptResponse(m) {
				return
			}
		case *wire.Pong:
			s.lastPong.Store(time.Now().UnixNano())
		case *wire.Ping:
			s.enqueueHeartbeat(wire.NewPong(m.ID, time.Now().UnixMilli()))
		case *wire.Error:
			s.handleErrorFrame(m)
		case *wire.HTTPRequest:
			s.logger.Warn().Str("request_id", m.ID).Msg("agent sent an http_request frame; dropping")
		}
	}
}

// acceptResponse routes a response frame to its waiter. A response whose id
// belongs to another session is a protocol breach that kills this session.
func (s *session) acceptResponse(m *wire.HTTPResponse) bool {
	if owner, ok := s.b.owners.Load(m.ID); ok && owner.(string) != s.id {
		s.b.obs.ErrorByCategory(string(rderrors.CategoryProtocol))
		s.logger.Error().Str("request_id", m.ID).Msg("response for a request dispatched to a different session")
		s.sendErrorFrame(m.ID, rderrors.CodeCrossSessionResponse, "response id belongs to another session")
		s.close(observability.CloseReasonCrossSession)
		return false
	}
	s.corr.Resolve(m)
	return true
}

func (s *session) handleErrorFrame(m *wire.Error) {
	code, known := rderrors.ParseCode(m.Code)
	if !known {
		s.logger.Warn().Str("code", m.Code).Msg("error frame with unknown code")
	}
	err := &rderrors.Error{
		Code:       code,
		Message:    m.Message,
		RetryAfter: time.Duration(m.RetryAfterSec) * time.Second,
	}
	if m.ID != "" {
		s.corr.Fail(m.ID, err)
		return
	}
	s.logger.Warn().Str("code", string(code)).Str("message", m.Message).Msg("session-level error from agent")
}

func (s *session) writeLoop() {
	for {
		// Heartbeats first: a full data queue must not starve liveness.
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

func (s *session) write(frame []byte) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.b.cfg.WriteTimeout)
	err := s.conn.WriteMessage(ctx, websocket.TextMessage, frame)
	cancel()
	if err != nil {
		if s.getState() != stateClosed {
			s.logger.Debug().Err(err).Msg("session write failed")
			s.close(observability.CloseReasonWriteError)
		}
		return false
	}
	return true
}

func (s *session) heartbeatLoop() {
	t := time.NewTicker(s.b.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			if now.Sub(time.Unix(0, s.lastPong.Load())) > s.b.cfg.PongTimeout {
				s.logger.Warn().Msg("agent missed heartbeat deadline")
				s.close(observability.CloseReasonHeartbeatTimeout)
				return
			}
			s.enqueueHeartbeat(wire.NewPing(requestid.NewRequestID(), now.UnixMilli()))
		}
	}
}

// enqueueHeartbeat queues a ping or pong without ever blocking the caller.
func (s *session) enqueueHeartbeat(v any) {
	frame, err := wire.Encode(v, s.b.cfg.MaxFrameBytes)
	if err != nil {
		return
	}
	select {
	case s.hb <- frame:
	default:
	}
}

// sendErrorFrame writes an error frame straight to the socket. Safe before
// the write loop starts; afterwards it competes on the socket write deadline
// with the loop, which is acceptable on the close path.
func (s *session) sendErrorFrame(id string, code rderrors.Code, message string) {
	frame, err := wire.Encode(wire.NewError(id, string(code), string(rderrors.CategoryOf(code)), message, 0), s.b.cfg.MaxFrameBytes)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.conn.WriteMessage(ctx, websocket.TextMessage, frame)
}

// dispatch sends one HTTP request over the session and waits for its
// response or failure.
func (s *session) dispatch(ctx context.Context, req *wire.HTTPRequest, timeout time.Duration) (*wire.HTTPResponse, error) {
	switch s.getState() {
	case stateActive:
	case stateDraining:
		return nil, rderrors.New(rderrors.CodeServerUnavailable, "session is draining")
	default:
		return nil, rderrors.New(rderrors.CodeSessionLost, "session is not active")
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return nil, rderrors.New(rderrors.CodeQueueFull,
			fmt.Sprintf("session at its concurrency limit (%d)", cap(s.sem)))
	}
	defer func() { <-s.sem }()

	id, ch, err := s.corr.Register(timeout)
	if err != nil {
		return nil, err
	}
	s.b.owners.Store(id, s.id)
	defer s.b.owners.Delete(id)

	req.ID = id
	frame, err := wire.Encode(req, s.b.cfg.MaxFrameBytes)
	if err != nil {
		s.corr.Cancel(id)
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return nil, rderrors.New(rderrors.CodeFrameTooLarge, "request exceeds the frame size limit")
		}
		return nil, rderrors.Wrap(rderrors.CodeInternalError, err)
	}

	select {
	case s.out <- frame:
	case <-s.ctx.Done():
		s.corr.Cancel(id)
		return nil, rderrors.New(rderrors.CodeSessionLost, "session closed before dispatch")
	case <-ctx.Done():
		s.corr.Cancel(id)
		return nil, ctx.Err()
	}

	return s.corr.Wait(ctx, id, ch)
}

// close tears the session down exactly once.
func (s *session) close(reason observability.CloseReason) {
	s.closeOnce.Do(func() {
		s.setState(stateClosed)
		s.cancel()
		_ = s.conn.Close()
		s.corr.FailAll(rderrors.New(rderrors.CodeSessionLost, "agent session closed: "+string(reason)))
		s.b.registry.Unregister(s.handle)
		s.b.sessions.Delete(s.id)
		s.b.obs.SessionClose(reason)
		s.logger.Info().Str("reason", string(reason)).Msg("agent session closed")
	})
}
