// Package handlers is the echo HTTP layer over the core operations.
package handlers

import (
	"net/http"

	"clipfactory/internal/version"

	"github.com/labstack/echo/v4"
)

// Handlers groups the resource handlers mounted by Register.
type Handlers struct {
	Chunks *ChunkHandler
	Jobs   *JobHandler
	Videos *VideoHandler
	Export *ExportHandler
	Keys   *KeyHandler
}

// Register mounts every route on e.
func Register(e *echo.Echo, h Handlers) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	})

	api := e.Group("/api")

	api.POST("/chunks/enqueue", h.Chunks.Enqueue)
	api.GET("/chunks/:id", h.Chunks.Get)
	api.GET("/chunks/:id/lease", h.Chunks.LeaseStatus)
	api.POST("/chunks/:id/lease", h.Chunks.AcquireLease)
	api.PUT("/chunks/:id/lease", h.Chunks.RenewLease)
	api.DELETE("/chunks/:id/lease", h.Chunks.ReleaseLease)
	api.POST("/chunks/:id/segments", h.Chunks.AddSegment)
	api.POST("/chunks/:id/approve", h.Chunks.Approve)
	api.POST("/chunks/:id/reject", h.Chunks.Reject)
	api.POST("/chunks/:id/retranscript", h.Chunks.Retranscript)
	api.PATCH("/segments/:id", h.Chunks.UpdateSegment)

	api.GET("/jobs", h.Jobs.List)
	api.GET("/jobs/stats", h.Jobs.Stats)
	api.POST("/jobs/cleanup", h.Jobs.Cleanup)
	api.GET("/jobs/:id", h.Jobs.Get)
	api.POST("/jobs/:id/cancel", h.Jobs.Cancel)

	api.GET("/videos", h.Videos.List)
	api.POST("/videos", h.Videos.Create)
	api.GET("/videos/:id", h.Videos.Get)
	api.GET("/videos/:id/chunks", h.Videos.Chunks)
	api.POST("/videos/:id/chunks", h.Videos.RegisterChunks)
	api.POST("/ingest", h.Videos.Ingest)

	api.GET("/export/preview", h.Export.Preview)
	api.POST("/export/run", h.Export.Run)

	if h.Keys != nil {
		api.GET("/keys", h.Keys.List)
	}
}
