package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/http/middleware"
	"github.com/uma-arai/sbcntr-estate/internal/http/response"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// ReservationService は予約エンジンのうちHTTPから呼び出す操作です
type ReservationService interface {
	Reserve(ctx context.Context, buyerID, propertyID string) (model.Reservation, error)
	ConfirmVisit(ctx context.Context, reservationID, confirmedBy, method string) (model.Reservation, error)
	Release(ctx context.Context, reservationID string, reason model.ReleaseReason) error
	Finalize(ctx context.Context, reservationID string) (model.Reservation, error)
	Get(ctx context.Context, reservationID string) (model.Reservation, error)
	ListCart(ctx context.Context, buyerID string) ([]model.Reservation, error)
}

type CartHandler struct {
	engine ReservationService
	log    *logger.Logger
}

func NewCartHandler(engine ReservationService, log *logger.Logger) *CartHandler {
	return &CartHandler{engine: engine, log: log.With("Handler", "CartHandler")}
}

// GET /api/cart
func (h *CartHandler) List(c *gin.Context) {
	items, err := h.engine.ListCart(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	if items == nil {
		items = []model.Reservation{}
	}
	response.RespondOK(c, gin.H{"items": items})
}

// POST /api/cart/items
// body: { "property_id": "..." }
func (h *CartHandler) Add(c *gin.Context) {
	var req struct {
		PropertyID string `json:"property_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := h.engine.Reserve(c.Request.Context(), middleware.UserID(c), req.PropertyID)
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondCreated(c, gin.H{"reservation": res})
}

// DELETE /api/cart/items/:id
func (h *CartHandler) Remove(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.engine.Get(ctx, c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	// 他人のカートアイテムは存在しないものとして扱う
	if res.BuyerID != middleware.UserID(c) {
		response.Error(c, h.log, model.ErrReservationNotFound)
		return
	}

	if err := h.engine.Release(ctx, res.ID, model.ReleaseReasonRemoved); err != nil {
		response.Error(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
