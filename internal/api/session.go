package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/connection"
)

// ─── Member Sessions ────────────────────────────────────────────────────────
// Each websocket is one member session. The registry owns liveness: it
// pings through wsSession and a pong refreshes the handle. Outbound
// messages are drained from the handle's bounded outbox by writePump,
// the only writer of data frames.

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default time allowed between frames from the peer.
	defaultPongWait = 90 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsSession adapts a websocket to connection.Session. Control frames and
// Close are safe to call concurrently with writePump.
type wsSession struct {
	conn *websocket.Conn
}

func (s *wsSession) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSession) Close() error { return s.conn.Close() }

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		s.writeDomainError(w, r, fmt.Errorf("%w: identity query parameter is required", domain.ErrValidation))
		return
	}
	if s.svc.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, domain.KindInternal, "sessions are disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", identity).Msg("websocket upgrade failed")
		return
	}
	h, err := s.svc.Registry.Register(identity, &wsSession{conn: conn})
	if err != nil {
		conn.Close()
		return
	}

	// Member operations outlive the socket that triggered them.
	ctx := context.WithoutCancel(r.Context())
	if s.svc.Swarms != nil {
		if swarmID, err := s.svc.Swarms.SwarmOf(ctx, identity); err == nil && swarmID != "" {
			s.svc.Registry.Bind(identity, swarmID)
		}
	}

	go s.writePump(conn, h)
	s.readPump(ctx, conn, h)
}

func (s *Server) pongWait() time.Duration {
	if s.cfg.PongWait > 0 {
		return s.cfg.PongWait
	}
	return defaultPongWait
}

// readPump reads frames until the connection fails, then releases the
// handle through the registry's idempotent cleanup.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, h *connection.Handle) {
	defer s.svc.Registry.Close(h)

	identity := h.Identity()
	wait := s.pongWait()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		s.svc.Registry.Heartbeat(identity)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("identity", identity).Msg("session read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wait))
		s.svc.Registry.Heartbeat(identity)
		s.handleFrame(ctx, identity, data)
	}
}

// writePump drains the outbox until the handle is cleaned up.
func (s *Server) writePump(conn *websocket.Conn, h *connection.Handle) {
	for {
		select {
		case <-h.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-h.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Str("identity", h.Identity()).Msg("session write failed")
				s.svc.Registry.Close(h)
				return
			}
		}
	}
}

// handleFrame dispatches one inbound message. Failures are answered with
// an ERROR message; unknown types are logged and ignored.
func (s *Server) handleFrame(ctx context.Context, identity string, data []byte) {
	msg, err := domain.DecodeMessage(data)
	if err != nil {
		s.reply(identity, domain.NewErrorMessage(err))
		return
	}
	if !msg.Type.Inbound() {
		s.log.Debug().Str("identity", identity).Str("type", string(msg.Type)).Msg("ignoring message")
		return
	}
	if err := msg.Validate(); err != nil {
		s.reply(identity, domain.NewErrorMessage(err))
		return
	}
	if s.svc.Gate != nil {
		if err := s.svc.Gate.Admit(ctx, identity); err != nil {
			s.reply(identity, domain.NewErrorMessage(err))
			return
		}
	}

	switch msg.Type {
	case domain.MsgJoinSwarm:
		err = s.sessionJoin(ctx, identity, msg)
	case domain.MsgLeaveSwarm:
		err = s.sessionLeave(ctx, identity, msg)
	case domain.MsgSubmitResult:
		err = s.sessionSubmit(ctx, identity, msg)
	}
	if err != nil {
		s.log.Info().Err(err).Str("identity", identity).Str("type", string(msg.Type)).Msg("session request failed")
		s.reply(identity, domain.NewErrorMessage(err))
	}
}

func (s *Server) sessionJoin(ctx context.Context, identity string, msg domain.Message) error {
	if msg.UserID != "" && msg.UserID != identity {
		return fmt.Errorf("%w: userId does not match session identity", domain.ErrValidation)
	}
	sw, err := s.svc.Swarms.JoinSwarm(ctx, msg.SwarmID, identity, msg.Power, msg.Hardware)
	if err != nil {
		return err
	}
	s.svc.Registry.Bind(identity, sw.ID)
	s.reply(identity, domain.NewSwarmJoined(*sw))
	return nil
}

func (s *Server) sessionLeave(ctx context.Context, identity string, msg domain.Message) error {
	sw, err := s.svc.Swarms.LeaveSwarm(ctx, msg.SwarmID, identity)
	if err != nil {
		return err
	}
	s.svc.Registry.Bind(identity, "")
	s.reply(identity, domain.NewMemberUpdate(*sw))
	return nil
}

// sessionSubmit completes a task. TASK_COMPLETED reaches the swarm through
// the notifier; a settlement failure does not undo the completion.
func (s *Server) sessionSubmit(ctx context.Context, identity string, msg domain.Message) error {
	t, _, err := s.svc.Scheduler.Complete(ctx, msg.TaskID, msg.Result, msg.Proof, identity)
	if err != nil && domain.KindOf(err) == domain.KindSettlement && t != nil {
		s.log.Warn().Err(err).Str("task", t.ID).Msg("settlement deferred")
		return nil
	}
	return err
}

func (s *Server) reply(identity string, msg domain.Message) {
	s.svc.Registry.Send(identity, msg)
}
