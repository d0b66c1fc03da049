// Package httpadm exposes the ops surface: health, counters and a read-only
// channel listing. It never mutates gateway state.
package httpadm

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chorus/internal/app"
	"github.com/dkeye/Chorus/internal/config"
	"github.com/dkeye/Chorus/internal/domain"
)

type ChannelLister interface {
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	ListMembers(ctx context.Context, channel domain.ChannelID) ([]domain.Member, error)
}

func SetupRouter(cfg *config.Config, metrics *app.Metrics, store ChannelLister) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, metrics.Snapshot())
	})

	api := r.Group("/api")

	api.GET("/channels", func(c *gin.Context) {
		channels, err := store.ListChannels(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channels": channels})
	})

	api.GET("/channels/:id/members", func(c *gin.Context) {
		id, err := domain.ParseChannelID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
			return
		}
		members, err := store.ListMembers(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	})

	log.Info().Str("module", "httpadm").Str("addr", cfg.MetricsAddr).Msg("admin router setup")
	return r
}
