package transport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatbi-core/server/internal/cache"
	errx "github.com/chatbi-core/server/internal/core/error"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// CacheAdmin is the query cache as managed by operators.
type CacheAdmin interface {
	List(ctx context.Context, f cache.ListFilter) (*cache.ListPage, error)
	Get(ctx context.Context, id uint64) (*cache.Entry, error)
	UpdateStatus(ctx context.Context, id uint64, status cache.Status) (*cache.Entry, error)
	Delete(ctx context.Context, id uint64) error
	Stats(ctx context.Context) (*cache.Stats, error)
	InvalidateByTables(ctx context.Context, tables []string) (int64, error)
}

// HealthCheck reports a dependency's readiness.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Cache  CacheAdmin
	Chat   http.Handler
	Health map[string]HealthCheck
}

type envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Code: "OK", Message: "success", Data: data})
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var ae *errx.AppError
	if errors.As(err, &ae) {
		status = ae.Status
	}
	if status >= http.StatusInternalServerError {
		logx.Error().Err(err).Str("path", c.FullPath()).Msg("Admin request failed")
	}
	msg := errx.SystemErrorMessage
	if ae != nil {
		msg = ae.Message
	}
	c.AbortWithStatusJSON(status, envelope{Code: string(errx.CodeOf(err)), Message: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, envelope{Code: string(errx.CodeValidation), Message: msg})
}

// NewRouter mounts the chat WebSocket, cache administration, health and
// metrics endpoints.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{Code: "NOT_FOUND", Message: "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, envelope{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})

	r.GET("/healthz", healthz(cfg.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.Chat != nil {
		r.GET("/ws/chat", gin.WrapH(cfg.Chat))
	}

	if cfg.Cache != nil {
		h := &cacheHandler{store: cfg.Cache}
		g := r.Group("/api/cache")
		g.GET("", h.list)
		g.GET("/stats", h.stats)
		g.GET("/:id", h.get)
		g.PATCH("/:id/status", h.updateStatus)
		g.DELETE("/:id", h.delete)
		g.POST("/invalidate", h.invalidate)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	log := logx.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		out := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				out[name] = "down"
				logx.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
				continue
			}
			out[name] = "up"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "dependencies": out})
	}
}

type cacheHandler struct {
	store CacheAdmin
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *cacheHandler) list(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	res, err := h.store.List(c.Request.Context(), cache.ListFilter{
		Status:   cache.Status(c.Query("status")),
		Keyword:  strings.TrimSpace(c.Query("keyword")),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (h *cacheHandler) get(c *gin.Context) {
	id, valid := parseID(c)
	if !valid {
		return
	}
	e, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, e)
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

func (h *cacheHandler) updateStatus(c *gin.Context) {
	id, valid := parseID(c)
	if !valid {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	e, err := h.store.UpdateStatus(c.Request.Context(), id, cache.Status(req.Status))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, e)
}

func (h *cacheHandler) delete(c *gin.Context) {
	id, valid := parseID(c)
	if !valid {
		return
	}
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"id": id})
}

func (h *cacheHandler) stats(c *gin.Context) {
	s, err := h.store.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, s)
}

type invalidateReq struct {
	Tables []string `json:"tables" binding:"required,min=1"`
}

func (h *cacheHandler) invalidate(c *gin.Context) {
	var req invalidateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "tables must be a non-empty list")
		return
	}
	n, err := h.store.InvalidateByTables(c.Request.Context(), req.Tables)
	if err != nil {
		fail(c, err)
		return
	}
	logx.Info().Strs("tables", req.Tables).Int64("deprecated", n).Msg("Cache invalidated by operator")
	ok(c, gin.H{"deprecated": n})
}
