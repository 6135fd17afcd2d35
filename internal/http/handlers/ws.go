package handlers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/events"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer in front of the router.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SessionEvents godoc
// @ID          sessionEvents
// @Summary     Stream a session's events over a websocket
// @Description Relays support state changes and new messages for one session to the guest widget.
// @Tags        Realtime
// @Param       id  path  string  true  "Session ID (UUID)"  format(uuid)
// @Success     101  "Switching Protocols"
// @Failure     503  {object}  handlers.ErrorResponse  "Realtime relay disabled"
// @Router      /sessions/{id}/events [get]
func (h *Handlers) SessionEvents(c *gin.Context) {
	if h.Redis == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "realtime relay is disabled")
		return
	}
	id, valid := sessionParam(c)
	if !valid {
		return
	}
	if _, err := repo.GetSession(c.Request.Context(), h.DB, id); err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	h.relay(c, events.SessionTopic(id))
}

// AgentEvents godoc
// @ID          agentEvents
// @Summary     Stream an agent's support events over a websocket
// @Description Relays escalations, assignments and new messages of every session of the agent to an operator console.
// @Tags        Realtime
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Agent ID (UUID)"  format(uuid)
// @Success     101  "Switching Protocols"
// @Failure     404  {object}  handlers.ErrorResponse  "Agent not visible"
// @Failure     503  {object}  handlers.ErrorResponse  "Realtime relay disabled"
// @Router      /support/agents/{id}/events [get]
func (h *Handlers) AgentEvents(c *gin.Context) {
	ctx := c.Request.Context()
	if h.Redis == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "realtime relay is disabled")
		return
	}
	actor, valid := requireActor(c)
	if !valid {
		return
	}
	agentID := c.Param("id")
	op, err := repo.GetOperator(ctx, h.DB, actor)
	if err != nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown operator")
		return
	}
	if op.Role != domain.RoleAdmin {
		ids, err := repo.ListSubscribedAgentIDs(ctx, h.DB, actor)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load subscriptions")
			return
		}
		if !slices.Contains(ids, agentID) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "agent not found")
			return
		}
	}
	h.relay(c, events.AgentTopic(agentID))
}

// relay upgrades the connection and forwards every payload published on
// topic until either side goes away.
func (h *Handlers) relay(c *gin.Context, topic string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		h.Log.Debug().Err(err).Str("topic", topic).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := h.Redis.Subscribe(ctx, topic)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		h.Log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
		return
	}

	// Reader: handles pongs and notices the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			if err := writeFrame(conn, websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, kind int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(kind, data)
}
