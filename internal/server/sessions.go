package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/archon-ai/archon/internal/orchestrator"
	"github.com/archon-ai/archon/internal/planner"
	"github.com/archon-ai/archon/internal/store"
)

// SessionsHandler exposes features, sessions, and the progress stream.
type SessionsHandler struct {
	Store *store.Store
	Orch  *orchestrator.Orchestrator
}

func (h *SessionsHandler) Register(api *echo.Group, secret []byte) {
	g := api.Group("")
	g.Use(authMiddleware(secret))

	g.POST("/features", h.createFeature)
	g.GET("/features", h.listFeatures)
	g.GET("/features/:id", h.getFeature)
	g.POST("/features/:id/sessions", h.createSession)

	g.GET("/sessions/:id", h.getSession)
	g.POST("/sessions/:id/execute", h.execute)
	g.POST("/sessions/:id/pause", h.pause)
	g.POST("/sessions/:id/resume", h.resume)
	g.POST("/sessions/:id/cancel", h.cancel)
	g.GET("/sessions/:id/progress", h.progress)
	g.GET("/sessions/:id/events", h.streamEvents)
	g.GET("/sessions/:id/tasks", h.listTasks)
	g.GET("/tasks/:id/tool_calls", h.listToolCalls)
}

type createFeatureRequest struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *SessionsHandler) createFeature(c echo.Context) error {
	var req createFeatureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" || req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title and description are required")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}
	now := time.Now().UTC()
	f := planner.Feature{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      planner.FeatureDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.Store.CreateFeature(c.Request().Context(), f); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *SessionsHandler) listFeatures(c echo.Context) error {
	features, err := h.Store.ListFeatures(c.Request().Context(), c.QueryParam("project_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, features)
}

func (h *SessionsHandler) getFeature(c echo.Context) error {
	f, err := h.Store.GetFeature(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *SessionsHandler) createSession(c echo.Context) error {
	sess, err := h.Orch.CreateSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *SessionsHandler) getSession(c echo.Context) error {
	sess, err := h.Orch.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) execute(c echo.Context) error {
	state, err := h.Orch.Execute(c.Request().Context(), c.Param("id"))
	return stateResponse(c, state, err)
}

func (h *SessionsHandler) pause(c echo.Context) error {
	state, err := h.Orch.Pause(c.Request().Context(), c.Param("id"))
	return stateResponse(c, state, err)
}

func (h *SessionsHandler) resume(c echo.Context) error {
	state, err := h.Orch.Resume(c.Request().Context(), c.Param("id"))
	return stateResponse(c, state, err)
}

func (h *SessionsHandler) cancel(c echo.Context) error {
	state, err := h.Orch.Cancel(c.Request().Context(), c.Param("id"))
	return stateResponse(c, state, err)
}

func (h *SessionsHandler) progress(c echo.Context) error {
	p, err := h.Orch.GetProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *SessionsHandler) listTasks(c echo.Context) error {
	tasks, err := h.Store.ListTasks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *SessionsHandler) listToolCalls(c echo.Context) error {
	calls, err := h.Store.ListToolCalls(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, calls)
}

// streamEvents delivers the session's progress stream via Server-Sent
// Events. Consumers receive only events from attachment point forward.
func (h *SessionsHandler) streamEvents(c echo.Context) error {
	sessionID := c.Param("id")
	ch, cancel, err := h.Orch.Subscribe(sessionID)
	if err != nil {
		return sessionHTTPError(err)
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	flusher.Flush()

	ctx := c.Request().Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := resp.Write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return nil
			}
			data, err := ev.Marshal()
			if err != nil {
				continue
			}
			if _, err := resp.Write([]byte("event: " + string(ev.Kind) + "\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func stateResponse(c echo.Context, state orchestrator.State, err error) error {
	if err != nil {
		return sessionHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": string(state)})
}

// sessionHTTPError maps engine error kinds onto HTTP status codes.
func sessionHTTPError(err error) error {
	var conflict orchestrator.ConflictError
	var invalid orchestrator.InvalidTransition
	var planning planner.PlanningFailure
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &planning):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
