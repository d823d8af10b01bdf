package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/http/middleware"
	"github.com/uma-arai/sbcntr-estate/internal/http/response"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

const defaultConfirmMethod = "manual"

type ReservationHandler struct {
	engine ReservationService
	log    *logger.Logger
}

func NewReservationHandler(engine ReservationService, log *logger.Logger) *ReservationHandler {
	return &ReservationHandler{engine: engine, log: log.With("Handler", "ReservationHandler")}
}

// GET /api/reservations/:id
func (h *ReservationHandler) Get(c *gin.Context) {
	res, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	if middleware.UserRole(c) == middleware.RoleBuyer && res.BuyerID != middleware.UserID(c) {
		response.Error(c, h.log, model.ErrReservationNotFound)
		return
	}
	response.RespondOK(c, gin.H{"reservation": res})
}

// POST /api/reservations/:id/visit/confirm
// body: { "method": "...", "broker_id": "..." }
// 管理者が確定する場合は内見を担当したブローカーを broker_id で指定する
func (h *ReservationHandler) ConfirmVisit(c *gin.Context) {
	var req struct {
		Method   string `json:"method"`
		BrokerID string `json:"broker_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}

	confirmedBy := middleware.UserID(c)
	if middleware.UserRole(c) == middleware.RoleAdmin {
		if req.BrokerID == "" {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("broker_id is required"))
			return
		}
		confirmedBy = req.BrokerID
	}
	method := req.Method
	if method == "" {
		method = defaultConfirmMethod
	}

	res, err := h.engine.ConfirmVisit(c.Request.Context(), c.Param("id"), confirmedBy, method)
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"reservation": res})
}

// POST /api/reservations/:id/finalize
func (h *ReservationHandler) Finalize(c *gin.Context) {
	res, err := h.engine.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"reservation": res})
}

// POST /api/admin/reservations/:id/release
func (h *ReservationHandler) AdminRelease(c *gin.Context) {
	if err := h.engine.Release(c.Request.Context(), c.Param("id"), model.ReleaseReasonAdmin); err != nil {
		response.Error(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
