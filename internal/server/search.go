package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/internal/runtime"
	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// searcher abstracts the retriever methods the handler needs.
type searcher interface {
	Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error)
	SimilarRecords(ctx context.Context, req rag.SimilarRequest) ([]rag.RecordHit, error)
}

// SearchHandler exposes semantic search APIs. Scope comes exclusively from
// the authenticated session claims.
type SearchHandler struct {
	Retriever   searcher
	TopKDefault int
}

func (h *SearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.search)
	g.POST("/similar", h.similar)
}

func (h *SearchHandler) search(c echo.Context) error {
	claims, ok := runtime.ClaimsFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req SearchRequestBody
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = h.TopKDefault
	}
	results, err := h.Retriever.Search(c.Request().Context(), rag.SearchRequest{
		Query:        req.Query,
		Role:         claims.Role,
		UserSchoolID: claims.SchoolID,
		TopK:         topK,
		Filters:      req.Filters,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: req.Query, Results: results})
}

func (h *SearchHandler) similar(c echo.Context) error {
	claims, ok := runtime.ClaimsFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var req SimilarRequestBody
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	sourceType := models.SourceType(req.Type)
	if req.Type != "" && !sourceType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid type")
	}
	results, err := h.Retriever.SimilarRecords(c.Request().Context(), rag.SimilarRequest{
		Query:        req.Query,
		Role:         claims.Role,
		UserSchoolID: claims.SchoolID,
		SourceType:   sourceType,
		TeacherID:    req.TeacherID,
		MinScore:     req.MinScore,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		TopK:         req.TopK,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, SimilarResponse{Query: req.Query, Results: results})
}
