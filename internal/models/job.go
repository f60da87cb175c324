package models

import "time"

// ProcessingJob はチャンク1件の文字起こし・翻訳タスク
type ProcessingJob struct {
	ID           string     `json:"id"`
	ChunkID      string     `json:"chunk_id"`
	Status       JobStatus  `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	LastError    *string    `json:"last_error,omitempty"`
	APIKeyID     *string    `json:"api_key_id,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	AvailableAt  time.Time  `json:"available_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// JobStatus はジョブの状態
type JobStatus string

// ジョブステータス
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsDone reports whether the job reached a terminal state.
func (j *ProcessingJob) IsDone() bool {
	return j.Status.IsTerminal()
}

// SegmentProposal は外部APIが返した発話区間（チャンク相対秒）
type SegmentProposal struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Transcript  string  `json:"transcript"`
	Translation string  `json:"translation"`
}

// JobStats はステータスごとのジョブ数
type JobStats map[JobStatus]int64
