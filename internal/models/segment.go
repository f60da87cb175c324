package models

import "time"

// Segment はチャンク内の発話区間。時刻は常にチャンク先頭からの相対秒
type Segment struct {
	ID          string    `json:"id"`
	ChunkID     string    `json:"chunk_id"`
	StartTime   float64   `json:"start_time"`
	EndTime     float64   `json:"end_time"`
	EditedStart *float64  `json:"edited_start,omitempty"`
	EditedEnd   *float64  `json:"edited_end,omitempty"`
	Transcript  string    `json:"transcript"`
	Translation string    `json:"translation"`
	IsVerified  bool      `json:"is_verified"`
	IsRejected  bool      `json:"is_rejected"`
	Source      string    `json:"source"`
	EditedBy    *string   `json:"edited_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// セグメントの作成元
const (
	SegmentSourceModel    = "model"
	SegmentSourceReviewer = "reviewer"
)

// ResolvedStart returns the reviewer-edited start if present, else the proposed one.
func (s *Segment) ResolvedStart() float64 {
	if s.EditedStart != nil {
		return *s.EditedStart
	}
	return s.StartTime
}

// ResolvedEnd returns the reviewer-edited end if present, else the proposed one.
func (s *Segment) ResolvedEnd() float64 {
	if s.EditedEnd != nil {
		return *s.EditedEnd
	}
	return s.EndTime
}

// Resolved reports whether a human has verified or rejected the segment.
func (s *Segment) Resolved() bool {
	return s.IsVerified || s.IsRejected
}

// Exportable reports whether the segment counts as verified training data.
func (s *Segment) Exportable() bool {
	return s.IsVerified && !s.IsRejected
}

// ReviewDecision is the reviewer's verdict carried by a segment update.
type ReviewDecision string

const (
	DecisionNone   ReviewDecision = ""
	DecisionVerify ReviewDecision = "verify"
	DecisionReject ReviewDecision = "reject"
	DecisionReset  ReviewDecision = "reset"
)

// Flags returns the (is_verified, is_rejected) pair a decision produces.
// Rejecting always clears verification.
func (d ReviewDecision) Flags() (verified, rejected bool) {
	switch d {
	case DecisionVerify:
		return true, false
	case DecisionReject:
		return false, true
	default:
		return false, false
	}
}

// Valid reports whether d is a known decision.
func (d ReviewDecision) Valid() bool {
	switch d {
	case DecisionNone, DecisionVerify, DecisionReject, DecisionReset:
		return true
	}
	return false
}

// SegmentPatch はレビュアーによるセグメント更新。nil のフィールドは変更しない
type SegmentPatch struct {
	Transcript  *string        `json:"transcript,omitempty"`
	Translation *string        `json:"translation,omitempty"`
	EditedStart *float64       `json:"edited_start,omitempty"`
	EditedEnd   *float64       `json:"edited_end,omitempty"`
	Decision    ReviewDecision `json:"decision,omitempty"`
}

// Apply returns a copy of s with the patch applied.
func (p SegmentPatch) Apply(s Segment) Segment {
	if p.Transcript != nil {
		s.Transcript = *p.Transcript
	}
	if p.Translation != nil {
		s.Translation = *p.Translation
	}
	if p.EditedStart != nil {
		v := *p.EditedStart
		s.EditedStart = &v
	}
	if p.EditedEnd != nil {
		v := *p.EditedEnd
		s.EditedEnd = &v
	}
	if p.Decision != DecisionNone {
		s.IsVerified, s.IsRejected = p.Decision.Flags()
	}
	return s
}
