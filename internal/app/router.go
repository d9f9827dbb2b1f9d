package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/centraal-api/clientflow/internal/config"
	"github.com/centraal-api/clientflow/internal/pkg/worker"
	"github.com/centraal-api/clientflow/pkg/ingress"
)

func newRouter(cfg *config.Config, pipelines []*Pipeline, pools *worker.Pools) *gin.Engine {
	if cfg.Log.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), ingress.RequestID(), ingress.ErrorHandler())

	router.GET("/api/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"pools":  pools.Metrics(),
		})
	})

	api := router.Group("/api/v1")
	for _, p := range pipelines {
		for _, r := range p.Receivers {
			r.Mount(api)
		}
	}
	return router
}
