package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/internal/runtime"
	"github.com/dylanparallax/trellis-v4-sub000/models"
)

const drainLockKey = "trellis:index:drain"

// IndexAdminHandler exposes the queue drain and bulk re-embed operations.
type IndexAdminHandler struct {
	Indexer   *rag.Indexer
	Rdb       *redis.Client
	BatchSize int
	Logger    *log.Logger
}

func (h *IndexAdminHandler) Register(g *echo.Group, secret []byte) {
	if h.Logger == nil {
		h.Logger = log.New(log.Writer(), "[INDEX-API] ", log.LstdFlags)
	}
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.Use(runtime.RequireRoles(models.RoleAdmin, models.RoleDistrictAdmin))
	g.POST("/process", h.process)
	g.POST("/reembed", h.reembed)
}

func (h *IndexAdminHandler) process(c echo.Context) error {
	var req DrainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = h.BatchSize
	}
	ctx := c.Request().Context()

	release, ok := acquireDrainLock(ctx, h.Rdb)
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "a drain is already running")
	}
	defer release()

	stats, err := h.Indexer.ProcessQueue(ctx, maxItems)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Logger.Printf("drain: processed=%d succeeded=%d failed=%d skipped=%d dead=%d chunks=%d",
		stats.Processed, stats.Succeeded, stats.Failed, stats.Skipped, stats.Dead, stats.Chunks)
	return c.JSON(http.StatusOK, stats)
}

func (h *IndexAdminHandler) reembed(c echo.Context) error {
	var req ReembedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sourceType := models.SourceType(req.Type)
	if !sourceType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "type must be OBSERVATION or EVALUATION")
	}
	ctx := c.Request().Context()

	if req.SourceID != "" {
		if err := h.Indexer.ReembedRecord(ctx, sourceType, req.SourceID); err != nil {
			if errors.Is(err, models.ErrRecordNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "record not found")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]int{"embedded": 1})
	}

	done, err := h.Indexer.ReembedMissing(ctx, sourceType, req.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"embedded": done})
}

// acquireDrainLock claims the shared drain lock so concurrent drains do not
// double-process queue entries. Without redis the drain runs unlocked, which
// matches a single-consumer deployment.
func acquireDrainLock(ctx context.Context, rdb *redis.Client) (func(), bool) {
	if rdb == nil {
		return func() {}, true
	}
	ok, err := rdb.SetNX(ctx, drainLockKey, "1", 5*time.Minute).Result()
	if err != nil || !ok {
		return nil, false
	}
	return func() { rdb.Del(ctx, drainLockKey) }, true
}
