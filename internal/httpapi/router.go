// Package httpapi exposes a small operational surface: liveness and
// production stats. The bot remains the control plane.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/wabrum/content-bot/internal/store"
)

func NewRouter(repo *store.Repo, statsWindow time.Duration) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(requestLog())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	h := &handler{repo: repo, statsWindow: statsWindow}

	r.GET("/healthz", h.healthz)
	r.GET("/stats", h.stats)
	r.GET("/runs/last", h.lastRun)
	return r
}

type handler struct {
	repo        *store.Repo
	statsWindow time.Duration
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// stats reports job counts over the window; ?days=N overrides the default.
func (h *handler) stats(c *gin.Context) {
	window := h.statsWindow
	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			fail(c, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}
	s, err := h.repo.Stats(c.Request.Context(), window)
	if err != nil {
		fail(c, http.StatusInternalServerError, "stats unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"since":            s.Since,
		"total":            s.Total,
		"by_status":        s.ByStatus,
		"top_prompt_types": s.TopPromptTypes,
		"last_run":         s.LastRun,
	})
}

func (h *handler) lastRun(c *gin.Context) {
	run, err := h.repo.LastRun(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "run lookup failed")
		return
	}
	if run == nil {
		fail(c, http.StatusNotFound, "no runs yet")
		return
	}
	c.JSON(http.StatusOK, run)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
