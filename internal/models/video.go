package models

import "time"

// Video は取り込まれた音声ソース1本
type Video struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	DurationSec float64   `json:"duration_sec"`
	SourcePath  string    `json:"source_path,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ビデオステータス
const (
	VideoStatusPending   = "pending"
	VideoStatusChunked   = "chunked"
	VideoStatusCompleted = "completed"
	VideoStatusFailed    = "failed"
)
