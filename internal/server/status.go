package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"anima/config"
	"anima/internal/agent/telemetry"
	"anima/internal/memory"
)

// StatusHandler reports a one-page snapshot of the running assistant:
// uptime, which model serves each operation, memory volume, and spend.
type StatusHandler struct {
	Config    *config.Config
	Memory    *memory.Service
	Telemetry *telemetry.Telemetry
	StartedAt time.Time
}

func (h *StatusHandler) handleStatus(c echo.Context) error {
	memStats, err := h.Memory.Stats(c.Request().Context())
	if err != nil {
		return err
	}

	routing := h.Config.LLM.Routing
	resp := StatusResponse{
		Status:    "online",
		StartedAt: h.StartedAt,
		Uptime:    time.Since(h.StartedAt).Round(time.Second).String(),
		Models: map[string]string{
			"planning":      routing.Planning,
			"verification":  routing.Verification,
			"repair":        routing.Repair,
			"deep_analysis": routing.DeepAnalysis,
			"synthesis":     routing.Synthesis,
			"simple":        routing.Simple,
		},
		Memory: memStats,
	}
	if h.Telemetry != nil {
		metrics := h.Telemetry.GetMetrics()
		costs := h.Telemetry.GetCostSummary()
		resp.TotalTurns = metrics.TotalTurns
		resp.SuccessfulTurns = metrics.SuccessfulTurns
		resp.FailedTurns = metrics.FailedTurns
		resp.CacheHits = metrics.CacheHits
		resp.CacheMisses = metrics.CacheMisses
		resp.TotalCost = costs.TotalCost
		resp.TotalTokens = costs.TotalTokens
	}
	return c.JSON(http.StatusOK, resp)
}
