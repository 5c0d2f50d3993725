package gateway

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/auth"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 64 << 10
	replyBuffer    = 8
)

// Stream frame types
const (
	frameSession = "session"
	frameError   = "error"
	actionRetry  = "retry"
)

// StreamFrame is one server-to-client WebSocket message
type StreamFrame struct {
	Type    string                `json:"type"`
	Session *session.View         `json:"session,omitempty"`
	Error   *models.ErrorResponse `json:"error,omitempty"`
}

// ClientFrame is one client-to-server WebSocket message: an answer, or
// {"action":"retry"}
type ClientFrame struct {
	Action string `json:"action,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// StreamSession godoc
// @Summary Stream a drafting session
// @Description WebSocket endpoint sending the session view after every transition. Clients send {"answer":"..."} or {"action":"retry"}.
// @Tags sessions
// @Param id path string true "Session ID"
// @Param token query string false "JWT when the Authorization header cannot be set"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/sessions/{id} [get]
func (h *Handler) StreamSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.stream_session")
	defer span.End()

	id := c.Param("id")
	owner := auth.Owner(c)
	span.SetAttributes(attribute.String("session_id", id), attribute.String("user.id", owner))

	updates, unsubscribe, err := h.sessions.Subscribe(ctx, owner, id)
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	initial, err := h.sessions.Get(ctx, owner, id)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf(`{"level":"warn","message":"Failed to upgrade connection","session_id":"%s","error":%q}`, id, err.Error())
		return
	}
	defer conn.Close()

	log.Printf(`{"level":"info","message":"Session stream opened","session_id":"%s","user_id":"%s"}`, id, owner)

	stop := make(chan struct{})
	defer close(stop)
	replies := make(chan StreamFrame, replyBuffer)
	readErr := make(chan error, 1)

	go h.readFrames(ctx, conn, owner, id, replies, stop, readErr)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := writeFrame(conn, StreamFrame{Type: frameSession, Session: &initial}); err != nil {
		return
	}

	for {
		select {
		case view, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session deleted"))
				return
			}
			if err := writeFrame(conn, StreamFrame{Type: frameSession, Session: &view}); err != nil {
				return
			}
		case frame := <-replies:
			if err := writeFrame(conn, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf(`{"level":"info","message":"Session stream read ended","session_id":"%s","error":%q}`, id, err.Error())
			}
			return
		}
	}
}

// readFrames handles client frames until the connection fails. Answers run
// in their own goroutine and outlive the connection; their views arrive
// through the subscription and their errors through replies.
func (h *Handler) readFrames(ctx context.Context, conn *websocket.Conn, owner, id string, replies chan<- StreamFrame, stop <-chan struct{}, readErr chan<- error) {
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	detached := context.WithoutCancel(ctx)
	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			readErr <- err
			return
		}

		go func(frame ClientFrame) {
			var err error
			switch {
			case strings.EqualFold(frame.Action, actionRetry):
				_, err = h.sessions.Retry(detached, owner, id)
			case frame.Action == "" || frame.Action == "answer":
				_, err = h.sessions.Answer(detached, owner, id, frame.Answer)
			default:
				err = errUnknownAction
			}
			if err == nil {
				return
			}

			_, body := errorResponse(err)
			select {
			case replies <- StreamFrame{Type: frameError, Error: &body}:
			case <-stop:
			}
		}(frame)
	}
}

func writeFrame(conn *websocket.Conn, frame StreamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		log.Printf(`{"level":"info","message":"Session stream write failed","error":%q}`, err.Error())
		return err
	}
	return nil
}
