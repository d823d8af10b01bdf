package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/http/middleware"
	"github.com/uma-arai/sbcntr-estate/internal/http/response"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

type NotificationStore interface {
	GetByUserID(ctx context.Context, userID string) ([]model.NotificationRecord, error)
	UpdateIsRead(ctx context.Context, userID string, id int, isRead bool) error
}

type NotificationHandler struct {
	store NotificationStore
	log   *logger.Logger
}

func NewNotificationHandler(store NotificationStore, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{store: store, log: log.With("Handler", "NotificationHandler")}
}

type notificationView struct {
	ID        int                    `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	IsRead    bool                   `json:"is_read"`
	Type      model.NotificationType `json:"type"`
	CreatedAt time.Time              `json:"created_at"`
}

// GET /api/notifications
func (h *NotificationHandler) List(c *gin.Context) {
	records, err := h.store.GetByUserID(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	views := make([]notificationView, 0, len(records))
	for _, r := range records {
		views = append(views, notificationView{
			ID:        r.ID,
			Title:     r.Title,
			Message:   r.Message,
			IsRead:    r.IsRead,
			Type:      r.Type,
			CreatedAt: r.CreatedAt,
		})
	}
	response.RespondOK(c, gin.H{"notifications": views})
}

// POST /api/notifications/:id/read
// body: { "is_read": false } で未読に戻せる。省略時は既読にする
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		response.Error(c, h.log, model.ErrInvalidID)
		return
	}
	req := struct {
		IsRead *bool `json:"is_read"`
	}{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	isRead := true
	if req.IsRead != nil {
		isRead = *req.IsRead
	}

	if err := h.store.UpdateIsRead(c.Request.Context(), middleware.UserID(c), id, isRead); err != nil {
		response.Error(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
