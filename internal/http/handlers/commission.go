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
	"github.com/uma-arai/sbcntr-estate/internal/service/commission"
)

type CommissionService interface {
	Get(ctx context.Context, id string) (model.Commission, error)
	ListByBroker(ctx context.Context, brokerID string) ([]model.Commission, error)
	Approve(ctx context.Context, id string) (model.Commission, error)
	MarkPaid(ctx context.Context, id string) (model.Commission, error)
	Cancel(ctx context.Context, id string) (model.Commission, error)
	Override(ctx context.Context, id string, in commission.OverrideInput) (model.Commission, error)
}

type CommissionHandler struct {
	ledger CommissionService
	log    *logger.Logger
}

func NewCommissionHandler(ledger CommissionService, log *logger.Logger) *CommissionHandler {
	return &CommissionHandler{ledger: ledger, log: log.With("Handler", "CommissionHandler")}
}

// GET /api/commissions
func (h *CommissionHandler) ListMine(c *gin.Context) {
	list, err := h.ledger.ListByBroker(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	if list == nil {
		list = []model.Commission{}
	}
	response.RespondOK(c, gin.H{"commissions": list})
}

// GET /api/commissions/:id
func (h *CommissionHandler) Get(c *gin.Context) {
	cm, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	if middleware.UserRole(c) != middleware.RoleAdmin && cm.BrokerID != middleware.UserID(c) {
		response.Error(c, h.log, model.ErrCommissionNotFound)
		return
	}
	response.RespondOK(c, gin.H{"commission": cm})
}

// POST /api/admin/commissions/:id/:action
// override の body: { "rate": 3 } または { "amount": 12345, "reason": "..." }
func (h *CommissionHandler) AdminAction(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		cm  model.Commission
		err error
	)
	switch c.Param("action") {
	case "approve":
		cm, err = h.ledger.Approve(ctx, id)
	case "paid":
		cm, err = h.ledger.MarkPaid(ctx, id)
	case "cancel":
		cm, err = h.ledger.Cancel(ctx, id)
	case "override":
		var req struct {
			Rate   *float64 `json:"rate"`
			Amount *float64 `json:"amount"`
			Reason string   `json:"reason"`
		}
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", bindErr)
			return
		}
		cm, err = h.ledger.Override(ctx, id, commission.OverrideInput{
			Rate:   req.Rate,
			Amount: req.Amount,
			Reason: req.Reason,
		})
	default:
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New("unknown action"))
		return
	}
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"commission": cm})
}
