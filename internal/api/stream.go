package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/gymbro/internal/fault"
	"github.com/lalith-99/gymbro/internal/middleware"
	"github.com/lalith-99/gymbro/internal/realtime"
	"github.com/lalith-99/gymbro/internal/retry"
	"github.com/lalith-99/gymbro/internal/room"
	"github.com/lalith-99/gymbro/internal/session"
)

// StreamHandler serves the live room view over a websocket: one session
// controller per connection pushing consolidated snapshots down, user
// actions coming back up as JSON messages.
type StreamHandler struct {
	store    *room.Store
	sync     *realtime.Sync
	policy   *retry.Policy
	presence *realtime.Presence // nil when Redis is not configured
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewStreamHandler(
	store *room.Store,
	rts *realtime.Sync,
	policy *retry.Policy,
	presence *realtime.Presence,
	logger *zap.Logger,
) *StreamHandler {
	return &StreamHandler{
		store:    store,
		sync:     rts,
		policy:   policy,
		presence: presence,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Token auth already gates this endpoint; cross-origin pages
			// holding a valid token are allowed to connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// serverMessage is everything the server pushes down the socket.
type serverMessage struct {
	Type    string             `json:"type"` // state, event, notice, fatal, error, ack
	State   *session.ViewState `json:"state,omitempty"`
	Online  []string           `json:"online,omitempty"`
	Event   string             `json:"event,omitempty"`
	Message string             `json:"message,omitempty"`
	Code    string             `json:"code,omitempty"`
	Action  string             `json:"action,omitempty"`
}

// clientMessage is a user action sent up the socket.
type clientMessage struct {
	Action   string  `json:"action"` // ready, start, end, leave, set
	Ready    bool    `json:"ready"`
	Exercise string  `json:"exercise"`
	Set      int     `json:"set"`
	Reps     int     `json:"reps"`
	Weight   float64 `json:"weight"`
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Stream handles GET /v1/rooms/:id/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	actor := middleware.GetIdentity(c)
	roomID := c.Param("id")

	// The room must exist before we pay for an upgrade.
	if _, err := h.store.GetRoom(c.Request.Context(), roomID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newStreamSession(h, conn, actor, roomID)
	sess.run()
}

// streamSession ties one websocket connection to one session controller.
type streamSession struct {
	h      *StreamHandler
	conn   *websocket.Conn
	actor  room.Identity
	roomID string

	writeMu sync.Mutex
	ctrl    *session.Controller
	done    chan struct{}
	once    sync.Once
}

func newStreamSession(h *StreamHandler, conn *websocket.Conn, actor room.Identity, roomID string) *streamSession {
	s := &streamSession{
		h:      h,
		conn:   conn,
		actor:  actor,
		roomID: roomID,
		done:   make(chan struct{}),
	}
	s.ctrl = session.NewController(roomID, actor, h.store, h.sync, h.policy, h.logger, session.Callbacks{
		Render:         s.sendState,
		WorkoutStarted: func() { s.sendEvent("workout_started") },
		WorkoutEnded:   func() { s.sendEvent("workout_ended") },
		Notice:         func(msg string) { s.send(serverMessage{Type: "notice", Message: msg}) },
		Fatal: func(reason string) {
			s.send(serverMessage{Type: "fatal", Message: reason})
			s.close()
		},
	})
	return s
}

func (s *streamSession) run() {
	defer s.close()

	s.ctrl.Start()
	if s.h.presence != nil {
		go s.heartbeatLoop()
	}

	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	go s.pingLoop()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(serverMessage{Type: "error", Code: string(fault.CodeInvalidArgument), Message: "malformed message"})
			continue
		}
		s.handleAction(msg)
	}
}

func (s *streamSession) handleAction(msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch msg.Action {
	case "ready":
		err = s.ctrl.SetReady(ctx, msg.Ready)
	case "start":
		err = s.ctrl.StartWorkout(ctx)
	case "end":
		err = s.ctrl.EndWorkout(ctx)
	case "leave":
		err = s.ctrl.Leave(ctx)
		if err == nil {
			defer s.close()
		}
	case "set":
		err = s.ctrl.PushSet(ctx, realtime.MetricUpdate{
			Exercise: msg.Exercise,
			Set:      msg.Set,
			Reps:     msg.Reps,
			Weight:   msg.Weight,
		})
	default:
		err = fault.Newf(fault.CodeInvalidArgument, "unknown action %q", msg.Action)
	}

	if err != nil {
		var fe *fault.Error
		out := serverMessage{Type: "error", Action: msg.Action, Code: string(fault.CodeOf(err)), Message: "operation failed"}
		if errors.As(err, &fe) {
			out.Message = fe.Message
		}
		s.send(out)
		return
	}
	s.send(serverMessage{Type: "ack", Action: msg.Action})
}

func (s *streamSession) sendState(state session.ViewState) {
	msg := serverMessage{Type: "state", State: &state}
	if s.h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		online, err := s.h.presence.Online(ctx, s.roomID)
		cancel()
		if err == nil {
			msg.Online = online
		}
	}
	s.send(msg)
}

func (s *streamSession) sendEvent(event string) {
	s.send(serverMessage{Type: "event", Event: event})
}

func (s *streamSession) send(msg serverMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.h.logger.Debug("websocket write failed", zap.Error(err))
	}
}

func (s *streamSession) heartbeatLoop() {
	beat := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.h.presence.Heartbeat(ctx, s.roomID, s.actor.UID); err != nil {
			s.h.logger.Warn("presence heartbeat failed", zap.Error(err))
		}
	}
	beat()
	ticker := time.NewTicker(realtime.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (s *streamSession) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *streamSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.ctrl.Cleanup()
		if s.h.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.h.presence.Clear(ctx, s.roomID, s.actor.UID); err != nil {
				s.h.logger.Debug("presence clear failed", zap.Error(err))
			}
		}
		s.conn.Close()
	})
}
