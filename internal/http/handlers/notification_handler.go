package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-support-handoff/internal/domain"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// ListNotificationsResponse is a page of an operator's inbox.
type ListNotificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Unread        int64                 `json:"unread"`
	Pagination    Pagination            `json:"pagination"`
}

// ListNotifications godoc
// @ID          listNotifications
// @Summary     List the operator's in-app notifications
// @Tags        Notifications
// @Produce     json
// @Param       X-User-ID  header  string  true   "Operator ID"
// @Param       unread     query   bool    false  "Only unread notifications"
// @Param       page       query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListNotificationsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing operator"
// @Router      /support/notifications [get]
func (h *Handlers) ListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	actor, valid := requireActor(c)
	if !valid {
		return
	}
	unreadOnly := c.Query("unread") == "true"
	page, pageSize := clampPagination(c)

	total, err := repo.CountNotifications(ctx, h.DB, actor, unreadOnly)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count notifications")
		return
	}
	unread := total
	if !unreadOnly {
		if unread, err = repo.CountNotifications(ctx, h.DB, actor, true); err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not count notifications")
			return
		}
	}
	items, err := repo.ListNotificationsPage(ctx, h.DB, actor, unreadOnly, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list notifications")
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	ok(c, http.StatusOK, ListNotificationsResponse{
		Notifications: items,
		Unread:        unread,
		Pagination:    newPagination(page, pageSize, total),
	})
}

// MarkNotificationRead godoc
// @ID          markNotificationRead
// @Summary     Mark one notification as read
// @Tags        Notifications
// @Param       X-User-ID  header  string  true  "Operator ID"
// @Param       id         path    string  true  "Notification ID"
// @Success     204  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Notification not found"
// @Router      /support/notifications/{id}/read [post]
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	actor, valid := requireActor(c)
	if !valid {
		return
	}
	err := repo.MarkNotificationRead(c.Request.Context(), h.DB, c.Param("id"), actor, time.Now().UTC())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not update notification")
	default:
		noContent(c)
	}
}
