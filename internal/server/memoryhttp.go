package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/archon-ai/archon/internal/memory"
)

// MemoryHandler exposes remember/recall for both memory tiers.
type MemoryHandler struct {
	Memory *memory.Service
}

func (h *MemoryHandler) Register(api *echo.Group, secret []byte) {
	g := api.Group("/memory")
	g.Use(authMiddleware(secret))

	g.POST("/short_term", h.rememberShortTerm)
	g.GET("/short_term", h.recallShortTerm)
	g.POST("/long_term", h.rememberLongTerm)
	g.GET("/long_term", h.recallLongTerm)
}

type shortTermRequest struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
}

func (h *MemoryHandler) rememberShortTerm(c echo.Context) error {
	var req shortTermRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.Memory.RememberShortTerm(c.Request().Context(), req.SessionID, memory.ShortTermKind(req.Kind), req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *MemoryHandler) recallShortTerm(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	entries, err := h.Memory.RecallShortTerm(c.Request().Context(), sessionID, c.QueryParam("q"), queryLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

type longTermRequest struct {
	ProjectID  string  `json:"project_id"`
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
}

func (h *MemoryHandler) rememberLongTerm(c echo.Context) error {
	var req longTermRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, reinforced, err := h.Memory.RememberLongTerm(c.Request().Context(), req.ProjectID, memory.Category(req.Category), req.Content, req.Importance)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := http.StatusCreated
	if reinforced {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{"entry": entry, "reinforced": reinforced})
}

func (h *MemoryHandler) recallLongTerm(c echo.Context) error {
	projectID := c.QueryParam("project_id")
	q := c.QueryParam("q")
	if projectID == "" || q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id and q are required")
	}
	entries, err := h.Memory.RecallLongTerm(c.Request().Context(), projectID, q, queryLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func queryLimit(c echo.Context) int {
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
