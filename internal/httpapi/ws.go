package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/parlo/internal/protocol"
	"github.com/ent0n29/parlo/internal/session"
	"github.com/ent0n29/parlo/internal/tutor"
)

const (
	wsQueueSize    = 256
	wsReadLimit    = 1 << 20
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := strings.TrimSpace(query.Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.tutor == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "tutor runtime not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}
	hints := tutor.Hints{
		CaptureAvailable: queryFlag(query, "capture", true),
		RenderAvailable:  queryFlag(query, "render", true),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p := &wsPump{
		conn:      conn,
		sessionID: sessionID,
		server:    s,
		logger:    s.logger.With("session_id", sessionID),
		inbound:   make(chan any, wsQueueSize),
		outbound:  make(chan any, wsQueueSize),
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	p.logger.Info("tutor connection opened", "capture", hints.CaptureAvailable, "render", hints.RenderAvailable)
	p.run(r.Context(), sess, hints)
	s.metrics.ObserveSessionEvent("ws_disconnected")
	p.logger.Info("tutor connection closed")
}

// wsPump couples one websocket to one tutor connection. Only the write loop
// touches the socket for data frames.
type wsPump struct {
	conn      *websocket.Conn
	sessionID string
	server    *Server
	logger    *slog.Logger
	inbound   chan any
	outbound  chan any
}

func (p *wsPump) run(parent context.Context, sess *session.Session, hints tutor.Hints) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tutorDone := make(chan struct{})
	go func() {
		defer close(tutorDone)
		if err := p.server.tutor.RunConnection(ctx, sess, hints, p.inbound, p.outbound); err != nil {
			p.logger.Warn("tutor connection failed", "error", err)
		}
		cancel()
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		p.writeLoop(ctx, cancel)
	}()

	p.readLoop(ctx)

	cancel()
	close(p.inbound)
	<-tutorDone
	<-writeDone
}

func (p *wsPump) readLoop(ctx context.Context) {
	p.conn.SetReadLimit(wsReadLimit)
	_ = p.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			p.reject(err)
			continue
		}
		if t, ok := protocol.MessageTypeOf(msg); ok {
			p.server.metrics.ObserveInboundMessage(string(t))
		}
		select {
		case <-ctx.Done():
			return
		case p.inbound <- msg:
		}
	}
}

// reject reports a malformed client frame without blocking the reader.
func (p *wsPump) reject(err error) {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: p.sessionID,
		Code:      "invalid_client_message",
		Source:    "gateway",
		Detail:    err.Error(),
	}
	result := "queued"
	select {
	case p.outbound <- ev:
	default:
		result = "drop_full"
	}
	p.server.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), result)
}

func (p *wsPump) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = p.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		case msg := <-p.outbound:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.server.metrics.ObserveSessionEvent("ws_write_error")
				cancel()
				return
			}
			if t, ok := protocol.MessageTypeOf(msg); ok {
				p.server.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}
