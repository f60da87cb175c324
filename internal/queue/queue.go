// Package queue is the durable job queue feeding the transcription workers.
package queue

import (
	"context"
	"fmt"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/lifecycle"
	"clipfactory/internal/models"
	"clipfactory/internal/storage"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 10 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Queue wraps JobRepository with retry policy, audit logging and tracing.
type Queue struct {
	jobs        *storage.JobRepository
	log         *logrus.Entry
	tracer      trace.Tracer
	now         func() time.Time
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMaxAttempts sets the retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay and its cap.
func WithBackoff(base, limit time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		if limit > 0 {
			q.backoffMax = limit
		}
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(q *Queue) { q.log = log }
}

// New creates a Queue.
func New(jobs *storage.JobRepository, opts ...Option) *Queue {
	q := &Queue{
		jobs:        jobs,
		log:         logrus.NewEntry(logrus.StandardLogger()),
		tracer:      otel.Tracer("clipfactory/queue"),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.WithField("component", "queue")
	return q
}

// MaxAttempts returns the retry ceiling.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Backoff returns the delay before retrying after the given attempt:
// base * 2^(attempt-1), capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 || q.backoffBase <= 0 {
		return 0
	}
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.backoffMax {
			return q.backoffMax
		}
	}
	if d > q.backoffMax {
		return q.backoffMax
	}
	return d
}

// Enqueue queues one chunk for transcription.
func (q *Queue) Enqueue(ctx context.Context, chunkID, actor string) (*models.ProcessingJob, error) {
	job, tr, err := q.jobs.Enqueue(ctx, chunkID, actor, q.now())
	if err != nil {
		return nil, err
	}
	lifecycle.Record(q.log, tr)
	q.log.WithFields(logrus.Fields{"job_id": job.ID, "chunk_id": chunkID}).Info("job enqueued")
	return job, nil
}

// EnqueueResult is the outcome for one chunk of a batch.
type EnqueueResult struct {
	ChunkID string                `json:"chunk_id"`
	Job     *models.ProcessingJob `json:"job,omitempty"`
	Err     error                 `json:"-"`
}

// EnqueueMany queues each chunk independently; one failure does not stop the rest.
func (q *Queue) EnqueueMany(ctx context.Context, chunkIDs []string, actor string) []EnqueueResult {
	results := make([]EnqueueResult, len(chunkIDs))
	for i, id := range chunkIDs {
		job, err := q.Enqueue(ctx, id, actor)
		results[i] = EnqueueResult{ChunkID: id, Job: job, Err: err}
	}
	return results
}

// Dequeue claims the oldest available job, or returns nil when there is none.
// It never blocks waiting for work.
func (q *Queue) Dequeue(ctx context.Context) (*models.ProcessingJob, error) {
	ctx, span := q.tracer.Start(ctx, "queue.Dequeue")
	defer span.End()

	job, tr, err := q.jobs.Claim(ctx, q.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("chunk.id", job.ChunkID),
		attribute.Int("job.attempt", job.AttemptCount),
	)
	lifecycle.Record(q.log, tr)
	return job, nil
}

// AssignKey records which credential served the job.
func (q *Queue) AssignKey(ctx context.Context, jobID, keyID string) error {
	return q.jobs.AssignKey(ctx, jobID, keyID, q.now())
}

// Complete stores the proposals and hands the chunk to review.
func (q *Queue) Complete(ctx context.Context, jobID string, proposals []models.SegmentProposal) error {
	ctx, span := q.tracer.Start(ctx, "queue.Complete",
		trace.WithAttributes(attribute.String("job.id", jobID), attribute.Int("segments", len(proposals))))
	defer span.End()

	tr, err := q.jobs.Complete(ctx, jobID, proposals, q.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	lifecycle.Record(q.log, tr)
	q.log.WithFields(logrus.Fields{"job_id": jobID, "chunk_id": tr.ChunkID}).Info("job completed")
	return nil
}

// Fail records a failed attempt. Retryable failures under the ceiling go back
// to the queue after a backoff (at least the cause's RetryAfter); everything
// else fails the job for good. It reports whether the job was requeued.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error, retryable bool) (bool, error) {
	ctx, span := q.tracer.Start(ctx, "queue.Fail", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return false, err
	}

	now := q.now()
	requeue := retryable && job.AttemptCount < q.maxAttempts
	availableAt := now
	if requeue {
		delay := q.Backoff(job.AttemptCount)
		if ae, ok := apperr.As(cause); ok && ae.RetryAfter > delay {
			delay = ae.RetryAfter
		}
		availableAt = now.Add(delay)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	updated, tr, err := q.jobs.Fail(ctx, jobID, msg, requeue, availableAt, now)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	lifecycle.Record(q.log, tr)

	log := q.log.WithFields(logrus.Fields{
		"job_id":   jobID,
		"chunk_id": updated.ChunkID,
		"attempt":  updated.AttemptCount,
		"error":    msg,
	})
	if requeue {
		log.WithField("available_at", availableAt).Warn("job queued for retry")
	} else {
		span.SetStatus(codes.Error, msg)
		log.Error("job failed")
	}
	span.SetAttributes(attribute.Bool("job.requeued", requeue))
	return requeue, nil
}

// Defer hands a claimed job back without spending an attempt.
func (q *Queue) Defer(ctx context.Context, jobID, reason string, until time.Time) error {
	tr, err := q.jobs.Defer(ctx, jobID, reason, until, q.now())
	if err != nil {
		return err
	}
	lifecycle.Record(q.log, tr)
	q.log.WithFields(logrus.Fields{"job_id": jobID, "until": until}).Info("job deferred")
	return nil
}

// Recover returns every processing job to the queue without spending an
// attempt. Call it before any worker starts; a job still processing then was
// orphaned by a previous run.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	stuck, err := q.jobs.ListByStatus(ctx, models.JobStatusProcessing, 1000)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range stuck {
		if err := q.Defer(ctx, job.ID, "worker restarted", q.now()); err != nil {
			if apperr.Is(err, apperr.KindStaleJob) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Cancel withdraws a job that has not started yet.
func (q *Queue) Cancel(ctx context.Context, jobID, actor string) (*models.ProcessingJob, error) {
	job, tr, err := q.jobs.Cancel(ctx, jobID, actor, q.now())
	if err != nil {
		return nil, err
	}
	lifecycle.Record(q.log, tr)
	q.log.WithFields(logrus.Fields{"job_id": jobID, "actor": actor}).Info("job cancelled")
	return job, nil
}

// Get returns a job or NotFound.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound("job", jobID)
	}
	return job, nil
}

// List returns jobs with the given status, or the most recent ones when status is empty.
func (q *Queue) List(ctx context.Context, status models.JobStatus, limit int) ([]models.ProcessingJob, error) {
	if status == "" {
		return q.jobs.ListRecent(ctx, limit)
	}
	return q.jobs.ListByStatus(ctx, status, limit)
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (models.JobStats, error) {
	return q.jobs.CountByStatus(ctx)
}

// Cleanup deletes finished jobs older than olderThan.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, apperr.New(apperr.KindInvalidInput, "retention must be positive")
	}
	n, err := q.jobs.CleanupFinished(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	if n > 0 {
		q.log.WithField("deleted", n).Info("finished jobs cleaned up")
	}
	return n, nil
}
