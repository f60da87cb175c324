package models

import "time"

// Chunk はビデオ音声の連続した約300秒の区間。レビューとロックの単位
type Chunk struct {
	ID                string      `json:"id"`
	VideoID           string      `json:"video_id"`
	Index             int         `json:"chunk_index"`
	StartOffset       float64     `json:"start_offset"`
	EndOffset         float64     `json:"end_offset"`
	AudioPath         string      `json:"audio_path"`
	Status            ChunkStatus `json:"status"`
	LockedBy          *string     `json:"locked_by,omitempty"`
	LeaseExpiresAt    *time.Time  `json:"lease_expires_at,omitempty"`
	Denoise           bool        `json:"denoise"`
	NeedsRetranscript bool        `json:"needs_retranscript"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ChunkStatus はチャンクのライフサイクル状態
type ChunkStatus string

// チャンクステータス
const (
	ChunkPending     ChunkStatus = "pending"
	ChunkQueued      ChunkStatus = "queued"
	ChunkProcessing  ChunkStatus = "processing"
	ChunkReviewReady ChunkStatus = "review_ready"
	ChunkInReview    ChunkStatus = "in_review"
	ChunkApproved    ChunkStatus = "approved"
	ChunkRejected    ChunkStatus = "rejected"
	ChunkFailed      ChunkStatus = "failed"
)

// Duration returns the window length in seconds.
func (c *Chunk) Duration() float64 {
	return c.EndOffset - c.StartOffset
}

// LeaseHeldBy reports whether user holds a live lease at now.
func (c *Chunk) LeaseHeldBy(user string, now time.Time) bool {
	return c.LeaseActive(now) && *c.LockedBy == user
}

// LeaseActive reports whether anyone holds a live lease at now.
// A lease whose expiry has been reached counts as released.
func (c *Chunk) LeaseActive(now time.Time) bool {
	return c.LockedBy != nil && c.LeaseExpiresAt != nil && now.Before(*c.LeaseExpiresAt)
}

// ChunkTransition はチャンク状態遷移の監査ログ
type ChunkTransition struct {
	ID        int64       `json:"id"`
	ChunkID   string      `json:"chunk_id"`
	From      ChunkStatus `json:"from"`
	To        ChunkStatus `json:"to"`
	Actor     string      `json:"actor"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
