package handlers

import (
	"net/http"
	"strconv"
	"time"

	"clipfactory/internal/models"
	"clipfactory/internal/queue"

	"github.com/labstack/echo/v4"
)

// JobHandler はジョブAPIのハンドラー
type JobHandler struct {
	queue     *queue.Queue
	retention time.Duration
}

// NewJobHandler は新しいJobHandlerを作成
func NewJobHandler(q *queue.Queue, retention time.Duration) *JobHandler {
	return &JobHandler{queue: q, retention: retention}
}

// queryLimit parses ?limit=, falling back to def.
func queryLimit(c echo.Context, def int) int {
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

// List はジョブ一覧を取得
func (h *JobHandler) List(c echo.Context) error {
	status := models.JobStatus(c.QueryParam("status"))
	jobs, err := h.queue.List(c.Request().Context(), status, queryLimit(c, 50))
	if err != nil {
		return respondError(c, err)
	}
	if jobs == nil {
		jobs = []models.ProcessingJob{}
	}
	return c.JSON(http.StatusOK, jobs)
}

// Get はジョブを取得
func (h *JobHandler) Get(c echo.Context) error {
	job, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// StatsResponse はジョブ統計のレスポンス
type StatsResponse struct {
	ByStatus    models.JobStats `json:"by_status"`
	MaxAttempts int             `json:"max_attempts"`
}

// Stats はジョブ統計を取得
func (h *JobHandler) Stats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, StatsResponse{ByStatus: stats, MaxAttempts: h.queue.MaxAttempts()})
}

// Cancel は未開始のジョブを取り消す
func (h *JobHandler) Cancel(c echo.Context) error {
	actor := userID(c)
	if actor == "" {
		actor = "api"
	}
	job, err := h.queue.Cancel(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// Cleanup は古い終了済みジョブを削除
// POST /api/jobs/cleanup?older_than=168h
func (h *JobHandler) Cleanup(c echo.Context) error {
	retention := h.retention
	if v := c.QueryParam("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid(c, "invalid older_than %q", v)
		}
		retention = d
	}
	n, err := h.queue.Cleanup(c.Request().Context(), retention)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}
