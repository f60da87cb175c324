// Package review implements the reviewer-facing operations on chunks and
// their segments. Every write requires the caller's live lease.
package review

import (
	"context"
	"strings"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/lifecycle"
	"clipfactory/internal/models"
	"clipfactory/internal/storage"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Service runs review operations.
type Service struct {
	chunks   *storage.ChunkRepository
	segments *storage.SegmentRepository
	jobs     *storage.JobRepository
	log      *logrus.Entry
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) { s.log = log }
}

// New creates a Service.
func New(chunks *storage.ChunkRepository, segments *storage.SegmentRepository, jobs *storage.JobRepository, opts ...Option) *Service {
	s := &Service{
		chunks:   chunks,
		segments: segments,
		jobs:     jobs,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		tracer:   otel.Tracer("clipfactory/review"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "review")
	return s
}

// SegmentUpdate is one reviewer edit.
type SegmentUpdate struct {
	SegmentID string
	UserID    string
	Patch     models.SegmentPatch
}

// NewSegment is a segment the reviewer adds by hand. Times are chunk-relative.
type NewSegment struct {
	Start       float64 `json:"start" validate:"gte=0"`
	End         float64 `json:"end" validate:"gtfield=Start"`
	Transcript  string  `json:"transcript"`
	Translation string  `json:"translation"`
	Verified    bool    `json:"verified"`
}

// Detail is everything a reviewer needs to work on a chunk.
type Detail struct {
	Chunk       models.Chunk             `json:"chunk"`
	Segments    []models.Segment         `json:"segments"`
	Unresolved  int                      `json:"unresolved"`
	Job         *models.ProcessingJob    `json:"job,omitempty"`
	Transitions []models.ChunkTransition `json:"transitions"`
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.KindInvalidInput, "user id is required")
	}
	return nil
}

// UpdateSegment applies text, boundary and decision edits to one segment.
func (s *Service) UpdateSegment(ctx context.Context, upd SegmentUpdate) (*models.Segment, error) {
	if err := requireUser(upd.UserID); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "review.UpdateSegment", trace.WithAttributes(
		attribute.String("segment.id", upd.SegmentID),
		attribute.String("user.id", upd.UserID),
	))
	defer span.End()

	seg, err := s.segments.UpdateAsReviewer(ctx, upd.SegmentID, upd.UserID, upd.Patch, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if upd.Patch.Decision != models.DecisionNone {
		s.log.WithFields(logrus.Fields{
			"segment_id": seg.ID,
			"chunk_id":   seg.ChunkID,
			"user_id":    upd.UserID,
			"decision":   upd.Patch.Decision,
		}).Info("segment reviewed")
	}
	return seg, nil
}

// AddSegment inserts a reviewer-created segment into a chunk under review.
func (s *Service) AddSegment(ctx context.Context, chunkID, userID string, in NewSegment) (*models.Segment, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	seg := &models.Segment{
		StartTime:   in.Start,
		EndTime:     in.End,
		Transcript:  in.Transcript,
		Translation: in.Translation,
		IsVerified:  in.Verified,
	}
	if err := s.segments.AddAsReviewer(ctx, chunkID, userID, seg, s.now()); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"segment_id": seg.ID, "chunk_id": chunkID, "user_id": userID}).Info("segment added")
	return seg, nil
}

// ApproveChunk approves a chunk whose segments are all verified or rejected,
// releasing the caller's lease.
func (s *Service) ApproveChunk(ctx context.Context, chunkID, userID string) (*models.ChunkTransition, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "review.ApproveChunk", trace.WithAttributes(attribute.String("chunk.id", chunkID)))
	defer span.End()

	tr, err := s.chunks.Approve(ctx, chunkID, userID, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	lifecycle.Record(s.log, tr)
	return tr, nil
}

// RejectChunk discards a chunk from the training set.
func (s *Service) RejectChunk(ctx context.Context, chunkID, userID, reason string) (*models.ChunkTransition, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	tr, err := s.chunks.Reject(ctx, chunkID, userID, reason, s.now())
	if err != nil {
		return nil, err
	}
	lifecycle.Record(s.log, tr)
	return tr, nil
}

// Retranscript throws away a chunk's segments and sends it back to the queue.
func (s *Service) Retranscript(ctx context.Context, chunkID, userID string) (*models.ProcessingJob, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	job, tr, err := s.jobs.Retranscript(ctx, chunkID, userID, s.now())
	if err != nil {
		return nil, err
	}
	lifecycle.Record(s.log, tr)
	s.log.WithFields(logrus.Fields{"chunk_id": chunkID, "job_id": job.ID, "user_id": userID}).Info("retranscript requested")
	return job, nil
}

// ChunkDetail loads a chunk with its segments, latest job and audit trail.
func (s *Service) ChunkDetail(ctx context.Context, chunkID string) (*Detail, error) {
	c, err := s.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.NotFound("chunk", chunkID)
	}
	segs, err := s.segments.ListByChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.LatestForChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	history, err := s.chunks.ListTransitions(ctx, chunkID)
	if err != nil {
		return nil, err
	}

	d := &Detail{Chunk: *c, Segments: segs, Job: job, Transitions: history}
	if d.Segments == nil {
		d.Segments = []models.Segment{}
	}
	for _, seg := range segs {
		if !seg.Resolved() {
			d.Unresolved++
		}
	}
	return d, nil
}
