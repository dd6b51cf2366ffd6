package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/pipeline"
)

// SnapshotSource exposes the most recent throughput sample.
type SnapshotSource interface {
	Latest() pipeline.Snapshot
}

// RegisterMetricRoutes registers the live throughput endpoint.
//
// GET /metrics
// - Requires X-API-Key
// - Returns the latest monitor sample (rates in events/s, ETA in seconds)
func RegisterMetricRoutes(r gin.IRoutes, src SnapshotSource) {
	r.GET("/metrics", func(c *gin.Context) {
		s := src.Latest()

		body := gin.H{
			"at":           s.At,
			"total":        s.Total,
			"processed":    s.Processed,
			"inserted":     s.Inserted,
			"pages":        s.Pages,
			"window_rate":  s.WindowRate,
			"overall_rate": s.OverallRate,
		}
		if s.Target > 0 {
			body["target"] = s.Target
		}
		if s.ETA != nil {
			body["eta_seconds"] = s.ETA.Seconds()
		}
		c.JSON(http.StatusOK, body)
	})
}
