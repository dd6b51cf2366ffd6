package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/auth"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
)

// StateReader reads the durable checkpoint row.
type StateReader interface {
	GetState(ctx context.Context) (models.IngestionState, error)
}

// RegisterProgressRoutes registers the checkpoint endpoint.
//
// GET /progress
// - Requires X-API-Key
// - Returns the last durable checkpoint, not the in-flight counters
func RegisterProgressRoutes(r gin.IRoutes, st StateReader) {
	r.GET("/progress", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		state, err := st.GetState(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"caller":          auth.Caller(c),
			"next_cursor":     state.NextCursor,
			"total_processed": state.TotalProcessed,
			"updated_at":      state.UpdatedAt,
			"run_id":          state.RunID,
		})
	})
}
