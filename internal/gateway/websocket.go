package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/contract-studio/internal/auth"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/orchestration"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// SessionStream pushes session snapshots to browsers over websockets
type SessionStream struct {
	service  *orchestration.Service
	logger   *slog.Logger
	tracer   trace.Tracer
	upgrader websocket.Upgrader
}

// NewSessionStream creates a stream handler accepting upgrades from
// allowedOrigins. Requests without an Origin header are not from browsers and
// are always accepted.
func NewSessionStream(service *orchestration.Service, allowedOrigins []string, logger *slog.Logger) *SessionStream {
	return &SessionStream{
		service: service,
		logger:  logger,
		tracer:  otel.Tracer("session-stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// StreamSession handles WebSocket /api/ws/sessions/:id
// @Summary Stream session state
// @Description WebSocket endpoint pushing a snapshot event after every session state change
// @Tags sessions
// @Param id path string true "Session ID"
// @Param token query string false "JWT when the Authorization header cannot be set"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/sessions/{id} [get]
func (s *SessionStream) StreamSession(c *gin.Context) {
	ctx, span := s.tracer.Start(c.Request.Context(), "session_stream.stream")
	defer span.End()

	sessionID := c.Param("id")
	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, err := s.service.Get(sessionID, auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeSessionNotFound})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("failed to upgrade connection", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	s.logger.Info("stream opened", "session_id", sessionID)
	s.pump(ctx, conn, sess, events)
	s.logger.Info("stream closed", "session_id", sessionID)
}

// pump writes events until the client goes away or the session closes
func (s *SessionStream) pump(ctx context.Context, conn *websocket.Conn, sess *orchestration.Session, events <-chan models.SessionEvent) {
	clientGone := make(chan struct{})
	go s.readLoop(conn, clientGone)

	snap := sess.Snapshot()
	initial := models.SessionEvent{
		Type:      models.EventSnapshot,
		SessionID: sess.ID(),
		Timestamp: time.Now().UTC(),
		Snapshot:  &snap,
	}
	if err := s.write(conn, initial); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := s.write(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed
func (s *SessionStream) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream read ended", "error", err)
			}
			return
		}
	}
}

func (s *SessionStream) write(conn *websocket.Conn, ev models.SessionEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug("failed to write stream event", "type", ev.Type, "error", err)
		return err
	}
	return nil
}
