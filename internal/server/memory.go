package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"anima/internal/memory"
	"anima/internal/store"
)

// MemoryHandler exposes the semantic memory: search, stats, and the
// maintenance operations. Every query is scoped to the authenticated user;
// stats and cleanup span the whole store, which is fine for a single-tenant
// deployment where every account is an operator.
type MemoryHandler struct {
	Memory *memory.Service
}

func (h *MemoryHandler) Register(g *echo.Group) {
	g.GET("/search", h.search)
	g.GET("/history", h.history)
	g.GET("/stats", h.stats)
	g.GET("/insights", h.insights)
	g.GET("/validate", h.validate)
	g.POST("/cleanup", h.cleanup)
}

// search looks up past interactions either by embedding similarity
// (mode=semantic, the default) or by keyword match (mode=keyword).
func (h *MemoryHandler) search(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	mode := strings.TrimSpace(c.QueryParam("mode"))
	if mode == "" {
		mode = "semantic"
	}
	k, err := positiveIntParam(c, "k", 0)
	if err != nil {
		return err
	}
	userID, _ := c.Get("user_id").(string)
	ctx := c.Request().Context()

	resp := MemorySearchResponse{Query: query, Mode: mode, Results: []MemoryHit{}}
	switch mode {
	case "semantic":
		results, err := h.Memory.RetrieveByText(ctx, userID, query, k)
		if err != nil {
			return err
		}
		for _, r := range results {
			hit := memoryHit(r.Interaction)
			hit.Similarity = clampSimilarity(1 - float64(r.Distance))
			hit.Score = r.Scores.Total
			resp.Results = append(resp.Results, hit)
		}
	case "keyword":
		rows, err := h.Memory.SearchKeyword(ctx, userID, query, k)
		if err != nil {
			return err
		}
		for _, row := range rows {
			resp.Results = append(resp.Results, memoryHit(row))
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be semantic or keyword")
	}
	return c.JSON(http.StatusOK, resp)
}

// history returns the caller's most recent interactions, oldest first.
func (h *MemoryHandler) history(c echo.Context) error {
	n, err := positiveIntParam(c, "n", 0)
	if err != nil {
		return err
	}
	userID, _ := c.Get("user_id").(string)
	rows, err := h.Memory.RecentHistory(c.Request().Context(), userID, n)
	if err != nil {
		return err
	}
	// RecentHistory hands back the newest row first; clients render a
	// transcript, so flip to chronological order.
	hits := make([]MemoryHit, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		hits = append(hits, memoryHit(rows[i]))
	}
	return c.JSON(http.StatusOK, hits)
}

func (h *MemoryHandler) stats(c echo.Context) error {
	stats, err := h.Memory.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *MemoryHandler) insights(c echo.Context) error {
	insights, err := h.Memory.Insights(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, insights)
}

func (h *MemoryHandler) validate(c echo.Context) error {
	report, err := h.Memory.ValidateIntegrity(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (h *MemoryHandler) cleanup(c echo.Context) error {
	deleted, err := h.Memory.Cleanup(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CleanupResponse{Deleted: deleted})
}

func memoryHit(in store.Interaction) MemoryHit {
	return MemoryHit{
		ID:         in.ID,
		Prompt:     in.UserPrompt,
		Response:   in.AgentResponse,
		Category:   in.Category,
		Tags:       in.Tags,
		Importance: in.Importance,
		Timestamp:  in.Timestamp,
	}
}

// positiveIntParam parses an optional positive integer query parameter,
// returning def when absent.
func positiveIntParam(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return parsed, nil
}

func clampSimilarity(val float64) float64 {
	if val < 0 {
		return 0
	}
	if val > 1 {
		return 1
	}
	return val
}
