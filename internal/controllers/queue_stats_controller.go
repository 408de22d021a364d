package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

type StatsSource interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

type queueStatsController struct{ src StatsSource }

func NewQueueStatsController(src StatsSource) *queueStatsController {
	return &queueStatsController{src: src}
}

func (h *queueStatsController) Handle(c *gin.Context) {
	st, err := h.src.Stats(c.Request.Context())
	if err != nil {
		internalError(c, "queue stats failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}
