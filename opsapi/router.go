// Package opsapi exposes the broker's ambient HTTP surface: health,
// state, and metrics endpoints for operators and monitoring, never the
// client protocol itself (that is broker.Handle, reached in-process or
// via cmd/pneuma-mcp).
//
// Adapted from the teacher's api/router.go + api/handler/health.go
// Gin-based health endpoint, generalized from "scraper pool utilization"
// to "broker finite-state-machine snapshot".
package opsapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nyigoro/pneuma/broker"
	"github.com/nyigoro/pneuma/config"
)

// NewRouter creates a configured Gin engine serving /healthz, /statez,
// and /metricsz.
func NewRouter(h *broker.Handle, metrics *broker.Metrics, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/healthz", healthHandler(h, startTime))
	r.GET("/statez", statusHandler(h))
	r.GET("/metricsz", metricsHandler(metrics))

	return r
}
