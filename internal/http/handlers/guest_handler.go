// Guest HTTP handlers.
//
// This file exposes the end-user endpoints of a chat session:
//   - POST /agents/{id}/sessions            (open a session)
//   - POST /sessions/{id}/messages          (ask the agent or write to support)
//   - POST /sessions/{id}/escalate          (ask for a human)
//   - PUT  /sessions/{id}/email             (leave an address for email replies)
//   - GET  /sessions/{id}/support/messages  (poll the support conversation)
//   - POST /sessions/{id}/attachments       (upload a file)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (identity, session, key), the handler returns the message
// recorded for it and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/http/middleware"
	"github.com/tbourn/go-support-handoff/internal/repo"
	"github.com/tbourn/go-support-handoff/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for a guest message.
type PostMessageRequest struct {
	// Content is the guest's text. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"Where is my parcel?"`
}

// PostMessageResponse describes what happened to a guest message. Exactly one
// of Reply and SupportMessage is set.
type PostMessageResponse struct {
	Session        *domain.Session        `json:"session"`
	Reply          *domain.AIMessage      `json:"reply,omitempty"`
	SupportMessage *domain.SupportMessage `json:"support_message,omitempty"`
	Escalated      bool                   `json:"escalated"`
}

// EscalateRequest is the optional payload of an explicit escalation.
type EscalateRequest struct {
	Email  string `json:"email"  example:"jane@example.com"`
	Reason string `json:"reason" example:"I need to change my order"`
}

// SetEmailRequest carries the guest's email address.
type SetEmailRequest struct {
	Email string `json:"email" binding:"required" example:"jane@example.com"`
}

// MessagesResponse wraps support messages.
type MessagesResponse struct {
	Messages []domain.SupportMessage `json:"messages"`
}

func sessionParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// CreateSession godoc
// @ID          createSession
// @Summary     Open a chat session
// @Tags        Guest
// @Produce     json
// @Param       id   path  string  true  "Agent ID (UUID)"  format(uuid)
// @Success     201  {object}  domain.Session
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Agent not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /agents/{id}/sessions [post]
func (h *Handlers) CreateSession(c *gin.Context) {
	agentID := c.Param("id")
	if _, err := uuid.Parse(agentID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "agent id must be a UUID")
		return
	}
	s, err := h.Guest.CreateSession(c.Request.Context(), agentID)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusCreated, s)
}

// PostMessage godoc
// @ID          postSessionMessage
// @Summary     Send a guest message
// @Description Answers from the agent's knowledge while no human handles the session;
// @Description a low-confidence answer escalates. Under human support the message joins the support conversation.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
// @Tags        Guest
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Session ID (UUID)"  format(uuid)
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
// @Success     200  {object}  handlers.PostMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sessions/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID, valid := sessionParam(c)
	if !valid {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	identity := middleware.Identity(c)
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.DB != nil {
		if resp, found := h.replay(c, identity, sessionID, idemKey); found {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, resp)
			return
		}
	}

	res, err := h.Guest.Post(ctx, sessionID, req.Content)
	if err != nil {
		serviceError(c, err, ErrCodeAnswerFailed)
		return
	}
	resp := PostMessageResponse{
		Session:        res.Session,
		Reply:          res.Reply,
		SupportMessage: res.SupportMessage,
		Escalated:      res.Escalated,
	}

	if idemKey != "" && h.DB != nil {
		msgID := ""
		switch {
		case res.Reply != nil:
			msgID = res.Reply.ID
		case res.SupportMessage != nil:
			msgID = res.SupportMessage.ID
		}
		if msgID != "" {
			_, _ = repo.CreateIdempotency(ctx, h.DB, identity, sessionID, idemKey, msgID, http.StatusOK, h.IdempotencyTTL)
		}
	}
	ok(c, http.StatusOK, resp)
}

// replay rebuilds the response recorded for an idempotency key.
func (h *Handlers) replay(c *gin.Context, identity, sessionID, key string) (PostMessageResponse, bool) {
	ctx := c.Request.Context()
	rec, err := repo.GetIdempotency(ctx, h.DB, identity, sessionID, key, time.Now().UTC())
	if err != nil || rec == nil {
		return PostMessageResponse{}, false
	}
	s, err := repo.GetSession(ctx, h.DB, sessionID)
	if err != nil {
		return PostMessageResponse{}, false
	}
	if m, err := repo.GetAIMessage(ctx, h.DB, rec.MessageID); err == nil {
		return PostMessageResponse{Session: s, Reply: m}, true
	}
	if m, err := repo.GetSupportMessage(ctx, h.DB, rec.MessageID); err == nil {
		return PostMessageResponse{Session: s, SupportMessage: m}, true
	}
	return PostMessageResponse{}, false
}

// RequestHuman godoc
// @ID          escalateSession
// @Summary     Ask for a human
// @Tags        Guest
// @Accept      json
// @Produce     json
// @Param       id    path  string  true   "Session ID (UUID)"  format(uuid)
// @Param       body  body  handlers.EscalateRequest  false  "Optional contact address and reason"
// @Success     200  {object}  domain.Session
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already escalated, closed, or support disabled"
// @Router      /sessions/{id}/escalate [post]
func (h *Handlers) RequestHuman(c *gin.Context) {
	sessionID, valid := sessionParam(c)
	if !valid {
		return
	}
	var req EscalateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	s, err := h.Guest.RequestHuman(c.Request.Context(), sessionID, req.Email, req.Reason)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, s)
}

// SetEmail godoc
// @ID          setSessionEmail
// @Summary     Store the guest's email address
// @Tags        Guest
// @Accept      json
// @Param       id    path  string  true  "Session ID (UUID)"  format(uuid)
// @Param       body  body  handlers.SetEmailRequest  true  "Email address"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/email [put]
func (h *Handlers) SetEmail(c *gin.Context) {
	sessionID, valid := sessionParam(c)
	if !valid {
		return
	}
	var req SetEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email required")
		return
	}
	if err := h.Guest.SetUserEmail(c.Request.Context(), sessionID, req.Email); err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// GuestMessages godoc
// @ID          listGuestSupportMessages
// @Summary     Poll the support conversation
// @Tags        Guest
// @Produce     json
// @Param       id     path   string  true   "Session ID (UUID)"  format(uuid)
// @Param       since  query  string  false  "Only messages created after this RFC 3339 time"
// @Success     200  {object}  handlers.MessagesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /sessions/{id}/support/messages [get]
func (h *Handlers) GuestMessages(c *gin.Context) {
	sessionID, valid := sessionParam(c)
	if !valid {
		return
	}
	h.writeMessages(c, sessionID)
}

func (h *Handlers) writeMessages(c *gin.Context, sessionID string) {
	ctx := c.Request.Context()
	var (
		items []domain.SupportMessage
		err   error
	)
	since, hasSince, perr := utils.ParseSince(c.Query("since"))
	if perr != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, perr.Error())
		return
	}
	if hasSince {
		items, err = h.Conversation.Since(ctx, sessionID, since)
	} else {
		items, err = h.Conversation.History(ctx, sessionID, 0)
	}
	if err != nil {
		serviceError(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []domain.SupportMessage{}
	}
	ok(c, http.StatusOK, MessagesResponse{Messages: items})
}

// UploadAttachment godoc
// @ID          uploadAttachment
// @Summary     Upload a file to the session
// @Description Accepted: pdf, jpg, jpeg, png, gif, webp, doc, docx, xls, xlsx, txt, csv up to 10 MiB.
// @Description The file is malware-scanned before it can be downloaded.
// @Tags        Guest
// @Accept      multipart/form-data
// @Produce     json
// @Param       id    path      string  true  "Session ID (UUID)"  format(uuid)
// @Param       file  formData  file    true  "File"
// @Success     201  {object}  domain.SupportAttachment
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     422  {object}  handlers.ErrorResponse  "File rejected"
// @Router      /sessions/{id}/attachments [post]
func (h *Handlers) UploadAttachment(c *gin.Context) {
	if h.Attachments == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "attachments are disabled")
		return
	}
	ctx := c.Request.Context()
	sessionID, valid := sessionParam(c)
	if !valid {
		return
	}
	if h.DB != nil {
		if _, err := repo.GetSession(ctx, h.DB, sessionID); errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
	}
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "multipart field \"file\" required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable upload")
		return
	}
	defer f.Close()

	a, err := h.Attachments.Store(ctx, attachments.Upload{
		Name:     fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Size:     fh.Size,
		Body:     f,
	}, sessionID, nil, domain.SourceChat)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusCreated, a)
}
