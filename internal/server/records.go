package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/internal/runtime"
	"github.com/dylanparallax/trellis-v4-sub000/internal/store"
	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// RecordsHandler persists observations and evaluations and enqueues the
// matching index job. Enqueue failures never fail the primary write.
type RecordsHandler struct {
	Store   *store.Store
	Indexer *rag.Indexer
}

func (h *RecordsHandler) Register(g *echo.Group, secret []byte) {
	obs := g.Group("/observations")
	obs.Use(runtime.EchoAuthMiddleware(secret))
	obs.Use(runtime.RequireRoles(models.RoleAdmin, models.RoleEvaluator, models.RoleDistrictAdmin))
	obs.POST("", h.createObservation)
	obs.DELETE("/:id", h.deleteObservation)

	evals := g.Group("/evaluations")
	evals.Use(runtime.EchoAuthMiddleware(secret))
	evals.Use(runtime.RequireRoles(models.RoleAdmin, models.RoleEvaluator, models.RoleDistrictAdmin))
	evals.POST("", h.createEvaluation)
	evals.DELETE("/:id", h.deleteEvaluation)
}

func (h *RecordsHandler) createObservation(c echo.Context) error {
	claims, ok := runtime.ClaimsFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req ObservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TeacherID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "teacher_id is required")
	}
	ctx := c.Request().Context()
	id, err := h.Store.CreateObservation(ctx, models.Observation{
		TeacherID:       req.TeacherID,
		ObserverID:      claims.UserID,
		SchoolID:        claims.SchoolID,
		Date:            req.Date,
		Subject:         req.Subject,
		FocusAreas:      req.FocusAreas,
		ObservationType: req.ObservationType,
		RawNotes:        req.RawNotes,
		EnhancedNotes:   req.EnhancedNotes,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Indexer.Enqueue(ctx, rag.ActionUpsert, models.SourceObservation, id)
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *RecordsHandler) deleteObservation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.Store.DeleteObservation(ctx, id); err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "observation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Indexer.Enqueue(ctx, rag.ActionDelete, models.SourceObservation, id)
	return c.NoContent(http.StatusNoContent)
}

func (h *RecordsHandler) createEvaluation(c echo.Context) error {
	claims, ok := runtime.ClaimsFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req EvaluationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TeacherID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "teacher_id is required")
	}
	ctx := c.Request().Context()
	id, err := h.Store.CreateEvaluation(ctx, models.Evaluation{
		TeacherID:       req.TeacherID,
		EvaluatorID:     claims.UserID,
		SchoolID:        claims.SchoolID,
		EvalType:        req.EvalType,
		Status:          req.Status,
		Summary:         req.Summary,
		Content:         req.Content,
		Recommendations: req.Recommendations,
		NextSteps:       req.NextSteps,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Indexer.Enqueue(ctx, rag.ActionUpsert, models.SourceEvaluation, id)
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *RecordsHandler) deleteEvaluation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.Store.DeleteEvaluation(ctx, id); err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "evaluation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Indexer.Enqueue(ctx, rag.ActionDelete, models.SourceEvaluation, id)
	return c.NoContent(http.StatusNoContent)
}
