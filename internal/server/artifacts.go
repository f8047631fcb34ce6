package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"anima/internal/artifacts"
	"anima/internal/store"
)

// ArtifactsHandler serves the files the agent produced during turns plus
// user uploads. Listings are scoped to the authenticated user; fetching by
// id re-checks ownership so ids cannot be guessed across accounts.
type ArtifactsHandler struct {
	Artifacts *artifacts.Manager
}

func (h *ArtifactsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/recent", h.recent)
	g.GET("/categories", h.categories)
	g.GET("/:id", h.get)
	g.POST("", h.upload)
}

func (h *ArtifactsHandler) list(c echo.Context) error {
	limit, err := positiveIntParam(c, "limit", 50)
	if err != nil {
		return err
	}
	userID, _ := c.Get("user_id").(string)
	rows, err := h.Artifacts.List(c.Request().Context(), userID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifactList(rows))
}

func (h *ArtifactsHandler) recent(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	rows, err := h.Artifacts.Recent(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifactList(rows))
}

func (h *ArtifactsHandler) categories(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	counts, err := h.Artifacts.Categories(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *ArtifactsHandler) get(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	artifact, content, err := h.Artifacts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
		}
		return err
	}
	if artifact.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	resp := artifactResponse(artifact)
	resp.Content = content
	return c.JSON(http.StatusOK, resp)
}

func (h *ArtifactsHandler) upload(c echo.Context) error {
	var req UploadArtifactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename is required")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	userID, _ := c.Get("user_id").(string)
	artifact, err := h.Artifacts.SaveUpload(c.Request().Context(), userID, req.Filename, req.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, artifactResponse(artifact))
}

func artifactResponse(a store.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:            a.ID,
		Title:         a.Title,
		Type:          a.Type,
		Path:          a.Path,
		InteractionID: a.InteractionID,
		CreatedAt:     a.CreatedAt,
	}
}

func artifactList(rows []store.Artifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, artifactResponse(a))
	}
	return out
}
