package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
)

const healthTimeout = 3 * time.Second

type healthController struct {
	queue    StatsSource
	backends []storage.Backend
}

func NewHealthController(q StatsSource, backends []storage.Backend) *healthController {
	return &healthController{queue: q, backends: backends}
}

type healthResp struct {
	Status   string            `json:"status"`
	Queue    string            `json:"queue"`
	Backends map[string]string `json:"backends"`
}

func (h *healthController) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := healthResp{Status: "ok", Queue: "ok", Backends: make(map[string]string, len(h.backends))}
	queueDown := false
	if _, err := h.queue.Stats(ctx); err != nil {
		queueDown = true
		resp.Status = "unavailable"
		resp.Queue = err.Error()
	}
	for _, b := range h.backends {
		state := "ok"
		if hc, ok := b.(storage.HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				state = err.Error()
				if !queueDown {
					resp.Status = "degraded"
				}
			}
		}
		resp.Backends[b.Name()] = state
	}

	// a backend outage only delays delivery; producers can still enqueue
	status := http.StatusOK
	if queueDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
