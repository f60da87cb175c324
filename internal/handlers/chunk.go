package handlers

import (
	"net/http"

	"clipfactory/internal/lease"
	"clipfactory/internal/models"
	"clipfactory/internal/queue"
	"clipfactory/internal/review"

	"github.com/labstack/echo/v4"
)

// ChunkHandler はチャンクのキュー投入・リース・レビューAPIのハンドラー
type ChunkHandler struct {
	queue  *queue.Queue
	leases *lease.Manager
	review *review.Service
}

// NewChunkHandler は新しいChunkHandlerを作成
func NewChunkHandler(q *queue.Queue, leases *lease.Manager, svc *review.Service) *ChunkHandler {
	return &ChunkHandler{queue: q, leases: leases, review: svc}
}

// EnqueueRequest lists chunks to queue for transcription
type EnqueueRequest struct {
	ChunkIDs []string `json:"chunk_ids" validate:"required,min=1,dive,required"`
}

// EnqueueItem is the per-chunk outcome of an enqueue request
type EnqueueItem struct {
	ChunkID string                `json:"chunk_id"`
	Job     *models.ProcessingJob `json:"job,omitempty"`
	Error   *ErrorBody            `json:"error,omitempty"`
}

// Enqueue はチャンクを文字起こしキューに投入
// POST /api/chunks/enqueue
func (h *ChunkHandler) Enqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := bind(c, &req); err != nil {
		return respondBindError(c, err)
	}
	actor := userID(c)
	if actor == "" {
		actor = "api"
	}

	results := h.queue.EnqueueMany(c.Request().Context(), req.ChunkIDs, actor)
	items := make([]EnqueueItem, len(results))
	queued := 0
	for i, r := range results {
		items[i] = EnqueueItem{ChunkID: r.ChunkID, Job: r.Job}
		if r.Err != nil {
			body := errorBody(r.Err)
			items[i].Error = &body
			continue
		}
		queued++
	}

	if queued == 0 && len(items) == 1 {
		return respondError(c, results[0].Err)
	}
	return c.JSON(http.StatusOK, map[string]any{"queued": queued, "results": items})
}

// Get はチャンクの詳細（セグメント・最新ジョブ・遷移履歴）を取得
func (h *ChunkHandler) Get(c echo.Context) error {
	detail, err := h.review.ChunkDetail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// LeaseStatus はリースの保持者を取得
func (h *ChunkHandler) LeaseStatus(c echo.Context) error {
	st, err := h.leases.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// AcquireLease はチャンクの編集リースを取得
func (h *ChunkHandler) AcquireLease(c echo.Context) error {
	chunk, err := h.leases.Acquire(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, chunk)
}

// RenewLease はリースを延長
func (h *ChunkHandler) RenewLease(c echo.Context) error {
	until, err := h.leases.Renew(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"lease_expires_at": until})
}

// ReleaseLease はリースを解放
func (h *ChunkHandler) ReleaseLease(c echo.Context) error {
	if err := h.leases.Release(c.Request().Context(), c.Param("id"), userID(c)); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AddSegment はレビュアーがセグメントを追加
func (h *ChunkHandler) AddSegment(c echo.Context) error {
	var req review.NewSegment
	if err := bind(c, &req); err != nil {
		return respondBindError(c, err)
	}
	seg, err := h.review.AddSegment(c.Request().Context(), c.Param("id"), userID(c), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, seg)
}

// UpdateSegment はセグメントのテキスト・境界・判定を更新
// PATCH /api/segments/:id
func (h *ChunkHandler) UpdateSegment(c echo.Context) error {
	var patch models.SegmentPatch
	if err := bind(c, &patch); err != nil {
		return respondBindError(c, err)
	}
	seg, err := h.review.UpdateSegment(c.Request().Context(), review.SegmentUpdate{
		SegmentID: c.Param("id"),
		UserID:    userID(c),
		Patch:     patch,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, seg)
}

// Approve はチャンクを承認
func (h *ChunkHandler) Approve(c echo.Context) error {
	tr, err := h.review.ApproveChunk(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, tr)
}

// RejectRequest carries the reviewer's reason
type RejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// Reject はチャンクを却下
func (h *ChunkHandler) Reject(c echo.Context) error {
	var req RejectRequest
	if err := bind(c, &req); err != nil {
		return respondBindError(c, err)
	}
	tr, err := h.review.RejectChunk(c.Request().Context(), c.Param("id"), userID(c), req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, tr)
}

// Retranscript はセグメントを破棄してチャンクを再キューイング
func (h *ChunkHandler) Retranscript(c echo.Context) error {
	job, err := h.review.Retranscript(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}
