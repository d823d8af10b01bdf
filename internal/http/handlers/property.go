package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/http/middleware"
	"github.com/uma-arai/sbcntr-estate/internal/http/response"
	"github.com/uma-arai/sbcntr-estate/internal/model"
	"github.com/uma-arai/sbcntr-estate/internal/service/property"
	"github.com/uma-arai/sbcntr-estate/internal/service/reservation"
)

type PropertyService interface {
	Create(ctx context.Context, in property.CreateInput) (model.Property, error)
	Get(ctx context.Context, id string) (model.Property, error)
	Transition(ctx context.Context, id string, action property.Action) (model.Property, error)
}

type LockStatusReader interface {
	GetLockStatus(ctx context.Context, propertyID string) (reservation.LockStatus, error)
}

// 管理者が実行できるワークフロー操作
var adminActions = map[property.Action]bool{
	property.ActionApprove:   true,
	property.ActionPublish:   true,
	property.ActionReject:    true,
	property.ActionSuspend:   true,
	property.ActionReinstate: true,
	property.ActionMarkSold:  true,
}

type PropertyHandler struct {
	registry PropertyService
	locks    LockStatusReader
	log      *logger.Logger
}

func NewPropertyHandler(registry PropertyService, locks LockStatusReader, log *logger.Logger) *PropertyHandler {
	return &PropertyHandler{registry: registry, locks: locks, log: log.With("Handler", "PropertyHandler")}
}

// POST /api/properties
func (h *PropertyHandler) Create(c *gin.Context) {
	var req struct {
		Title                string   `json:"title"`
		Type                 string   `json:"property_type"`
		City                 string   `json:"city"`
		Price                float64  `json:"price"`
		SellerID             string   `json:"seller_id"`
		AdderCommissionRate  *float64 `json:"adder_commission_rate"`
		SellerCommissionRate *float64 `json:"seller_commission_rate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	p, err := h.registry.Create(c.Request.Context(), property.CreateInput{
		Title:                req.Title,
		Type:                 req.Type,
		City:                 req.City,
		Price:                req.Price,
		SellerID:             req.SellerID,
		AddedBy:              middleware.UserID(c),
		AddedByRole:          model.AdderRole(middleware.UserRole(c)),
		AdderCommissionRate:  req.AdderCommissionRate,
		SellerCommissionRate: req.SellerCommissionRate,
	})
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondCreated(c, gin.H{"property": p})
}

// GET /api/properties/:id
func (h *PropertyHandler) Get(c *gin.Context) {
	p, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"property": p})
}

// GET /api/properties/:id/lock
func (h *PropertyHandler) GetLockStatus(c *gin.Context) {
	status, err := h.locks.GetLockStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, status)
}

// POST /api/properties/:id/submit
// 出品者本人(登録者または売主)のみ申請できる
func (h *PropertyHandler) Submit(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	p, err := h.registry.Get(ctx, c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	if p.AddedBy != userID && p.SellerID != userID {
		response.RespondError(c, http.StatusForbidden, "forbidden", errors.New("not the owner of this property"))
		return
	}

	p, err = h.registry.Transition(ctx, p.ID, property.ActionSubmit)
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"property": p})
}

// POST /api/admin/properties/:id/:action
func (h *PropertyHandler) AdminTransition(c *gin.Context) {
	action := property.Action(c.Param("action"))
	if !adminActions[action] {
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New("unknown action"))
		return
	}

	p, err := h.registry.Transition(c.Request.Context(), c.Param("id"), action)
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"property": p})
}
