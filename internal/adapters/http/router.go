package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ClientConfig is what /api/config serves to clients.
type ClientConfig struct {
	WebRTC   config.ICEConfig `json:"webrtc"`
	Features config.Features  `json:"features"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	ctrl := signal.NewSignalWSController(o, signal.Settings{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
		JoinLimit:  cfg.JoinRate.Limit,
		JoinWindow: cfg.JoinRate.Interval,
	})

	r.GET("/signaling", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/version", func(c *gin.Context) {
		c.String(http.StatusOK, o.Version)
	})
	clientCfg := ClientConfig{WebRTC: cfg.WebRTC, Features: cfg.Features}
	api.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, clientCfg)
	})

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
