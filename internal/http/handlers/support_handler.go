// Operator HTTP handlers.
//
// Every endpoint acts on behalf of the operator named by the X-User-ID
// header. Sessions outside the operator's subscriptions answer 404.
package handlers

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/knowledge"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

//
// DTOs
//

// ListSessionsResponse wraps a page of sessions and pagination information.
type ListSessionsResponse struct {
	Sessions   []domain.Session `json:"sessions"`
	Pagination Pagination       `json:"pagination"`
}

// SessionDetailResponse is a session with what an operator needs to pick it up.
type SessionDetailResponse struct {
	Session     *domain.Session            `json:"session"`
	Unread      int64                      `json:"unread"`
	AIHistory   []domain.AIMessage         `json:"ai_history"`
	Attachments []domain.SupportAttachment `json:"attachments"`
}

// ResolveRequest closes an assigned session.
type ResolveRequest struct {
	ResolutionType string `json:"resolution_type" binding:"required" example:"answered"`
	Notes          string `json:"notes"           example:"Sent the return label."`
}

// AbandonRequest ends a session without resolution.
type AbandonRequest struct {
	Reason string `json:"reason" example:"guest left"`
}

// OperatorMessageRequest is an operator reply.
type OperatorMessageRequest struct {
	Content string `json:"content" binding:"required,min=1" example:"Your parcel left our warehouse today."`
	// Channel is chat (default) or email.
	Channel string `json:"channel" example:"chat"`
	// OriginalContent is the operator's text before AI rewording, if any.
	OriginalContent *string `json:"original_content,omitempty"`
}

// MarkReadRequest lists the messages to mark; empty marks every user message.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// CountResponse carries a single count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// LearnRequest promotes an operator answer. Question defaults to the user
// message that preceded the answer.
type LearnRequest struct {
	SessionID string  `json:"session_id" binding:"required" format:"uuid"`
	Question  *string `json:"question,omitempty"`
}

// visibleSession resolves :id to a session the actor may see.
func (h *Handlers) visibleSession(c *gin.Context) (actor string, s *domain.Session, valid bool) {
	actor, valid = requireActor(c)
	if !valid {
		return "", nil, false
	}
	id, valid := sessionParam(c)
	if !valid {
		return "", nil, false
	}
	s, err := h.Support.GetSession(c.Request.Context(), actor, id)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return "", nil, false
	}
	return actor, s, true
}

// parseStatuses reads a comma separated status filter.
func parseStatuses(raw string) ([]domain.SupportStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []domain.SupportStatus
	for _, p := range strings.Split(raw, ",") {
		st := domain.SupportStatus(strings.TrimSpace(p))
		switch st {
		case domain.StatusNone, domain.StatusEscalated, domain.StatusAssigned, domain.StatusResolved, domain.StatusAbandoned:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("unknown status %q", st)
		}
	}
	return out, nil
}

//
// Handlers
//

// ListSessions godoc
// @ID          listSupportSessions
// @Summary     List the operator's support queue
// @Description Returns a page of sessions of the agents the operator is subscribed to (admins: all agents),
// @Description most recently active first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Support
// @Produce     json
// @Param       X-User-ID      header  string  true   "Operator ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       status         query   string  false  "Comma separated statuses"  example(escalated,assigned)
// @Param       agent_id       query   string  false  "Only this agent"
// @Param       mine           query   bool    false  "Only sessions assigned to me"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListSessionsResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unknown operator"
// @Router      /support/sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	actor, valid := requireActor(c)
	if !valid {
		return
	}
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	f := repo.SessionFilter{Statuses: statuses}
	if a := c.Query("agent_id"); a != "" {
		f.AgentIDs = []string{a}
	}
	if c.Query("mine") == "true" {
		f.AssignedOperatorID = actor
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.Support.ListSessions(ctx, actor, f, page, pageSize)
	if err != nil {
		serviceError(c, err, ErrCodeListFailed)
		return
	}

	// ETag over the visible result set (best effort).
	if h.DB != nil && total > 0 {
		if count, maxTS, err := repo.SessionsStats(ctx, h.DB, repo.SessionFilter{IDs: sessionIDs(items)}); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"sessions:%s:%x:%d:%d:%d"`, actor, pageHash(items), total, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	ok(c, http.StatusOK, ListSessionsResponse{
		Sessions:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// pageHash identifies the ordered set of sessions on a page.
func pageHash(items []domain.Session) uint64 {
	h := fnv.New64a()
	for i := range items {
		_, _ = h.Write([]byte(items[i].ID))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func sessionIDs(items []domain.Session) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].ID
	}
	return out
}

// GetSession godoc
// @ID          getSupportSession
// @Summary     Get a session with its AI transcript and attachments
// @Tags        Support
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.SessionDetailResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /support/sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	_, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	resp := SessionDetailResponse{Session: s, AIHistory: []domain.AIMessage{}, Attachments: []domain.SupportAttachment{}}
	var err error
	if resp.Unread, err = h.Conversation.UnreadCount(ctx, s.ID); err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	if ai, err := h.Conversation.AIHistory(ctx, s.ID, 0); err == nil && ai != nil {
		resp.AIHistory = ai
	}
	if h.Attachments != nil {
		if atts, err := h.Attachments.List(ctx, s.ID); err == nil && atts != nil {
			resp.Attachments = atts
		}
	}
	ok(c, http.StatusOK, resp)
}

// Assign godoc
// @ID          assignSupportSession
// @Summary     Take an escalated session
// @Description Exactly one of several concurrent operators wins; the others get 409.
// @Tags        Support
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
// @Success     200  {object}  domain.Session
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not escalated or already taken"
// @Router      /support/sessions/{id}/assign [post]
func (h *Handlers) Assign(c *gin.Context) {
	actor, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	s, err := h.Support.Assign(c.Request.Context(), s.ID, actor)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, s)
}

// Resolve godoc
// @ID          resolveSupportSession
// @Summary     Resolve an assigned session
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
// @Param       body       body    handlers.ResolveRequest  true  "Resolution"
// @Success     200  {object}  domain.Session
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid resolution type"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     409  {object}  handlers.ErrorResponse  "Session not assigned"
// @Router      /support/sessions/{id}/resolve [post]
func (h *Handlers) Resolve(c *gin.Context) {
	actor, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "resolution_type required")
		return
	}
	s, err := h.Support.Resolve(c.Request.Context(), s.ID, actor, domain.ResolutionType(req.ResolutionType), strings.TrimSpace(req.Notes))
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, s)
}

// Abandon godoc
// @ID          abandonSupportSession
// @Summary     Close a session without resolution
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true   "Operator ID"
// @Param       id         path    string  true   "Session ID (UUID)"  format(uuid)
// @Param       body       body    handlers.AbandonRequest  false  "Reason"
// @Success     200  {object}  domain.Session
// @Failure     403  {object}  handlers.ErrorResponse  "Not the assigned operator"
// @Failure     409  {object}  handlers.ErrorResponse  "Session not under support"
// @Router      /support/sessions/{id}/abandon [post]
func (h *Handlers) Abandon(c *gin.Context) {
	actor, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	var req AbandonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	s, err := h.Support.Abandon(c.Request.Context(), s.ID, actor, strings.TrimSpace(req.Reason))
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, s)
}

// ListMessages godoc
// @ID          listSupportMessages
// @Summary     Read the support conversation
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Support
// @Produce     json
// @Param       X-User-ID      header  string  true   "Operator ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       id             path    string  true   "Session ID (UUID)"  format(uuid)
// @Param       since          query   string  false  "Only messages created after this RFC 3339 time"
// @Success     200  {object}  handlers.MessagesResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /support/sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	_, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	if h.DB != nil {
		count, unread, maxTS, err := repo.SupportMessagesStats(c.Request.Context(), h.DB, s.ID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%s:%d:%d:%d"`, s.ID, c.Query("since"), count, unread, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}
	h.writeMessages(c, s.ID)
}

// PostOperatorMessage godoc
// @ID          postSupportMessage
// @Summary     Reply to the guest
// @Description On the email channel the reply is mailed to the session's user email.
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
// @Param       body       body    handlers.OperatorMessageRequest  true  "Reply"
// @Success     201  {object}  domain.SupportMessage
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Session assigned to someone else"
// @Failure     409  {object}  handlers.ErrorResponse  "Session not under support"
// @Failure     422  {object}  handlers.ErrorResponse  "No user email for the email channel"
// @Router      /support/sessions/{id}/messages [post]
func (h *Handlers) PostOperatorMessage(c *gin.Context) {
	ctx := c.Request.Context()
	actor, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	var req OperatorMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if !s.SupportStatus.Active() {
		fail(c, http.StatusConflict, ErrCodeConflict, "session is not under human support")
		return
	}
	if s.SupportStatus == domain.StatusAssigned && (s.AssignedOperatorID == nil || *s.AssignedOperatorID != actor) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "session is assigned to another operator")
		return
	}

	var (
		m   *domain.SupportMessage
		err error
	)
	switch domain.Channel(strings.ToLower(strings.TrimSpace(req.Channel))) {
	case "", domain.ChannelChat:
		m, err = h.Conversation.AppendOperatorMessage(ctx, s.ID, actor, domain.ChannelChat, req.Content, req.OriginalContent, nil)
	case domain.ChannelEmail:
		if h.Email == nil {
			fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "email delivery is disabled")
			return
		}
		m, err = h.Email.SendToUser(ctx, s.ID, actor, req.Content, req.OriginalContent)
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "channel must be chat or email")
		return
	}
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusCreated, m)
}

// Unread godoc
// @ID          countUnreadSupportMessages
// @Summary     Count unread guest messages
// @Tags        Support
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Session ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.CountResponse
// @Router      /support/sessions/{id}/unread [get]
func (h *Handlers) Unread(c *gin.Context) {
	_, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	n, err := h.Conversation.UnreadCount(c.Request.Context(), s.ID)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, CountResponse{Count: n})
}

// MarkRead godoc
// @ID          markSupportMessagesRead
// @Summary     Mark guest messages as read
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true   "Operator ID"
// @Param       id         path    string  true   "Session ID (UUID)"  format(uuid)
// @Param       body       body    handlers.MarkReadRequest  false  "Messages to mark"
// @Success     200  {object}  handlers.CountResponse  "Number of messages marked"
// @Router      /support/sessions/{id}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	_, s, valid := h.visibleSession(c)
	if !valid {
		return
	}
	var req MarkReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	n, err := h.Conversation.MarkRead(c.Request.Context(), s.ID, req.MessageIDs)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, CountResponse{Count: n})
}

// Learn godoc
// @ID          learnSupportMessage
// @Summary     Promote an operator answer to learned knowledge
// @Description Stores the question/answer pair and queues it for indexing into the agent's knowledge.
// @Tags        Support
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Answer message ID (UUID)"  format(uuid)
// @Param       body       body    handlers.LearnRequest  true  "Session and optional question"
// @Success     201  {object}  domain.LearnedResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Not an operator answer or no question"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already learned"
// @Router      /support/messages/{id}/learn [post]
func (h *Handlers) Learn(c *gin.Context) {
	ctx := c.Request.Context()
	if h.Learner == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "learning is disabled")
		return
	}
	actor, valid := requireActor(c)
	if !valid {
		return
	}
	msgID := c.Param("id")
	if _, err := uuid.Parse(msgID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}
	var req LearnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session_id required")
		return
	}
	if _, err := h.Support.GetSession(ctx, actor, req.SessionID); err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	lr, err := h.Learner.Learn(ctx, knowledge.LearnRequest{
		SessionID:       req.SessionID,
		AnswerMessageID: msgID,
		Question:        req.Question,
		Actor:           actor,
	})
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusCreated, lr)
}
