package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/presence"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// PresenceWebhook godoc
// @ID          presenceWebhook
// @Summary     Receive presence join/leave hooks
// @Description Signed callbacks from the realtime provider keep the cached presence counts fresh.
// @Tags        Realtime
// @Accept      json
// @Success     204  "No Content"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad signature"
// @Router      /presence/webhook [post]
func (h *Handlers) PresenceWebhook(c *gin.Context) {
	if h.Hooks == nil || h.Presence == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "presence is disabled")
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "could not read body")
		return
	}
	evs, err := h.Hooks.ParseWebhook(c.Request.Header, body)
	if err != nil {
		h.Log.Warn().Err(err).Msg("rejected presence webhook")
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook signature")
		return
	}
	for _, ev := range evs {
		h.Presence.Apply(c.Request.Context(), ev)
	}
	noContent(c)
}

var errUnknownChannel = errors.New("unknown presence channel")

// PresenceAuth godoc
// @ID          presenceAuth
// @Summary     Authorize a presence channel subscription
// @Description Operators (X-User-ID) may join the channels of agents they serve. Guests may join only
// @Description their own session channel and are registered with a guest_ member id.
// @Tags        Realtime
// @Accept      x-www-form-urlencoded
// @Produce     json
// @Param       socket_id     formData  string  true   "Client socket id"
// @Param       channel_name  formData  string  true   "Channel to join"
// @Param       X-User-ID     header    string  false  "Operator ID"
// @Success     200  {object}  map[string]string
// @Failure     403  {object}  handlers.ErrorResponse  "Channel not allowed"
// @Router      /presence/auth [post]
func (h *Handlers) PresenceAuth(c *gin.Context) {
	ctx := c.Request.Context()
	if h.Hooks == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "presence is disabled")
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "could not read body")
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("socket_id") == "" || form.Get("channel_name") == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "socket_id and channel_name required")
		return
	}
	channel := form.Get("channel_name")

	var (
		member string
		info   map[string]string
	)
	if actor := actorID(c); actor != "" {
		op, err := repo.GetOperator(ctx, h.DB, actor)
		if err != nil {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown operator")
			return
		}
		if !h.operatorMayJoin(c, op, channel) {
			fail(c, http.StatusForbidden, ErrCodeForbidden, "channel not allowed")
			return
		}
		member, info = op.ID, map[string]string{"name": op.Name, "role": string(op.Role)}
	} else {
		sessionID, err := guestChannelSession(channel)
		if err != nil {
			fail(c, http.StatusForbidden, ErrCodeForbidden, "channel not allowed")
			return
		}
		if _, err := repo.GetSession(ctx, h.DB, sessionID); err != nil {
			fail(c, http.StatusForbidden, ErrCodeForbidden, "channel not allowed")
			return
		}
		member, info = presence.GuestPrefix+sessionID, map[string]string{"role": "guest"}
	}

	out, err := h.Hooks.Authorize(body, member, info)
	if err != nil {
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// operatorMayJoin allows an operator onto the agent channels they serve and
// the session channels of those agents.
func (h *Handlers) operatorMayJoin(c *gin.Context, op *domain.Operator, channel string) bool {
	ctx := c.Request.Context()
	var agentID string
	if sessionID, err := guestChannelSession(channel); err == nil {
		s, err := repo.GetSession(ctx, h.DB, sessionID)
		if err != nil {
			return false
		}
		agentID = s.AgentID
	} else {
		rest, found := strings.CutPrefix(channel, strings.TrimSuffix(presence.AgentChannel(""), ".support"))
		if !found || !strings.HasSuffix(rest, ".support") {
			return false
		}
		agentID = strings.TrimSuffix(rest, ".support")
	}
	if op.Role == domain.RoleAdmin {
		return true
	}
	ids, err := repo.ListSubscribedAgentIDs(ctx, h.DB, op.ID)
	if err != nil {
		return false
	}
	return slices.Contains(ids, agentID)
}

func guestChannelSession(channel string) (string, error) {
	id, found := strings.CutPrefix(channel, presence.SessionChannel(""))
	if !found || id == "" {
		return "", errUnknownChannel
	}
	return id, nil
}
