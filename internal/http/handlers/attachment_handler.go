package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// DownloadURLResponse is a short-lived link to an attachment.
type DownloadURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AttachmentURL godoc
// @ID          attachmentDownloadURL
// @Summary     Issue a signed download link
// @Description The link works without credentials until it expires.
// @Tags        Attachments
// @Produce     json
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Attachment ID"
// @Success     200  {object}  handlers.DownloadURLResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Attachment not found"
// @Failure     410  {object}  handlers.ErrorResponse  "Attachment quarantined"
// @Router      /support/attachments/{id}/url [get]
func (h *Handlers) AttachmentURL(c *gin.Context) {
	ctx := c.Request.Context()
	if h.Signer == nil || h.DB == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "attachments are disabled")
		return
	}
	actor, valid := requireActor(c)
	if !valid {
		return
	}
	a, err := repo.GetAttachment(ctx, h.DB, c.Param("id"))
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	// Visibility follows the owning session.
	if _, err := h.Support.GetSession(ctx, actor, a.SessionID); err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	tok, exp, err := h.Signer.Sign(a.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not sign download link")
		return
	}
	link := fmt.Sprintf("%s%s/attachments/%s/download?token=%s",
		strings.TrimRight(h.PublicBaseURL, "/"), h.APIBasePath, url.PathEscape(a.ID), url.QueryEscape(tok))
	ok(c, http.StatusOK, DownloadURLResponse{URL: link, ExpiresAt: exp})
}

// DownloadAttachment godoc
// @ID          downloadAttachment
// @Summary     Download an attachment with a signed token
// @Tags        Attachments
// @Produce     octet-stream
// @Param       id     path   string  true  "Attachment ID"
// @Param       token  query  string  true  "Signed download token"
// @Success     200  {file}    file
// @Failure     403  {object}  handlers.ErrorResponse  "Invalid or expired token"
// @Failure     404  {object}  handlers.ErrorResponse  "Attachment not found"
// @Failure     410  {object}  handlers.ErrorResponse  "Attachment quarantined"
// @Router      /attachments/{id}/download [get]
func (h *Handlers) DownloadAttachment(c *gin.Context) {
	if h.Signer == nil || h.Attachments == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "attachments are disabled")
		return
	}
	id := c.Param("id")
	if err := h.Signer.Verify(c.Query("token"), id); err != nil {
		if !errors.Is(err, attachments.ErrInvalidDownloadToken) {
			h.Log.Warn().Err(err).Str("attachment_id", id).Msg("download token check failed")
		}
		fail(c, http.StatusForbidden, ErrCodeForbidden, "invalid or expired download token")
		return
	}
	a, rc, err := h.Attachments.Open(c.Request.Context(), id)
	if err != nil {
		serviceError(c, err, ErrCodeInternal)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", a.MimeType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.OriginalName}))
	c.Header("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.Log.Warn().Err(err).Str("attachment_id", id).Msg("attachment stream interrupted")
	}
}
