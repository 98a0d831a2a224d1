package opsapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nyigoro/pneuma/broker"
)

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Role   string `json:"role"`
}

// healthHandler reports degraded once the broker has any consecutive
// failures outstanding or is inside a post-rollback backoff window —
// either is a sign the active engine is not serving cleanly even though
// it is still up.
func healthHandler(h *broker.Handle, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Uptime: time.Since(startTime).Round(time.Second).String()})
			return
		}

		status := "healthy"
		if snap.ConsecutiveFailures > 0 || snap.InBackoff {
			status = "degraded"
		}

		c.JSON(http.StatusOK, healthResponse{
			Status: status,
			Uptime: time.Since(startTime).Round(time.Second).String(),
			Role:   snap.Role.String(),
		})
	}
}

type statusResponse struct {
	Role                string `json:"role"`
	StandbyPresent      bool   `json:"standby_present"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	InBackoff           bool   `json:"in_backoff"`
	NextPageID          uint32 `json:"next_page_id"`
}

// statusHandler enqueues a StatusRequest on the same single-consumer
// queue the client protocol uses, so the snapshot it returns reflects
// state the loop has actually applied rather than a value read racily
// from another goroutine.
func statusHandler(h *broker.Handle) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, statusResponse{
			Role:                snap.Role.String(),
			StandbyPresent:      snap.StandbyPresent,
			ConsecutiveFailures: snap.ConsecutiveFailures,
			InBackoff:           snap.InBackoff,
			NextPageID:          snap.NextPageID,
		})
	}
}

// metricsHandler renders plain-text counters, not a registered
// Prometheus collector: the broker has exactly one of each counter and
// adding the client library for this alone was not worth it.
func metricsHandler(metrics *broker.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := metrics.Snapshot()
		var b strings.Builder

		for _, kind := range []string{"create_page", "navigate", "evaluate", "screenshot", "close_browser", "shutdown", "status"} {
			fmt.Fprintf(&b, "pneuma_requests_total{kind=%q} %d\n", kind, snap.RequestsByKind[kind])
		}
		fmt.Fprintf(&b, "pneuma_handoffs_attempted_total %d\n", snap.HandoffsAttempted)
		fmt.Fprintf(&b, "pneuma_handoffs_succeeded_total %d\n", snap.HandoffsSucceeded)
		fmt.Fprintf(&b, "pneuma_handoffs_failed_total %d\n", snap.HandoffsFailed)
		fmt.Fprintf(&b, "pneuma_rollbacks_total %d\n", snap.Rollbacks)
		for kind, count := range snap.DecisionsByFailureKind {
			fmt.Fprintf(&b, "pneuma_scorer_decisions_total{classification=%q} %d\n", kind, count)
		}

		c.String(http.StatusOK, b.String())
	}
}
