package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/http/response"
	"github.com/uma-arai/sbcntr-estate/internal/service/batch"
)

type SweepRunner interface {
	RunOnce(ctx context.Context) (batch.SweepResult, error)
}

type SweepHandler struct {
	sweeper SweepRunner
	log     *logger.Logger
}

func NewSweepHandler(sweeper SweepRunner, log *logger.Logger) *SweepHandler {
	return &SweepHandler{sweeper: sweeper, log: log.With("Handler", "SweepHandler")}
}

// POST /api/admin/sweeps
// 実行中のスイープがある場合は 409 を返す
func (h *SweepHandler) Run(c *gin.Context) {
	result, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		response.Error(c, h.log, err)
		return
	}
	response.RespondOK(c, gin.H{"sweep": result})
}
