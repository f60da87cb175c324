package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/keypool"
	"clipfactory/internal/models"
	"clipfactory/internal/queue"
	"clipfactory/internal/storage"
	"clipfactory/internal/transcribe"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// bookkeepingTimeout bounds the writes that record a failed attempt.
const bookkeepingTimeout = 10 * time.Second

// Config controls the worker pool.
type Config struct {
	Concurrency int
	Interval    time.Duration
	// MaxIdle bounds how long the pool pauses when no key is usable.
	MaxIdle time.Duration
	// Timeout bounds a single transcription call.
	Timeout time.Duration
	// EscalationTier is tried when the primary tier has no usable key.
	// Empty means pause instead.
	EscalationTier string
	// TierModels maps a key tier to the model it calls.
	TierModels     map[string]string
	SourceLanguage string
	TargetLanguage string
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Worker processes transcription jobs from the queue
type Worker struct {
	queue   *queue.Queue
	chunks  *storage.ChunkRepository
	keys    *keypool.Manager
	backend transcribe.Backend
	cfg     Config
	log     *logrus.Entry
	tracer  trace.Tracer
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu          sync.Mutex
	pausedUntil time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(w *Worker) { w.log = log }
}

// NewWorker creates a new worker
func NewWorker(q *queue.Queue, chunks *storage.ChunkRepository, keys *keypool.Manager, backend transcribe.Backend, cfg Config, opts ...Option) *Worker {
	cfg.defaults()
	w := &Worker{
		queue:   q,
		chunks:  chunks,
		keys:    keys,
		backend: backend,
		cfg:     cfg,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		tracer:  otel.Tracer("clipfactory/worker"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithField("component", "worker")
	return w
}

// Start returns jobs orphaned by a previous run to the queue and begins
// processing with Concurrency goroutines.
func (w *Worker) Start(ctx context.Context) {
	if n, err := w.queue.Recover(ctx); err != nil {
		w.log.WithError(err).Error("failed to recover orphaned jobs")
	} else if n > 0 {
		w.log.WithField("jobs", n).Warn("requeued jobs left processing by a previous run")
	}

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	w.log.WithField("concurrency", w.cfg.Concurrency).Info("worker started")
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.drain(ctx, id)
		}
	}
}

// drain processes jobs until the queue is empty, the pool pauses or the worker stops.
func (w *Worker) drain(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}
		did, err := w.ProcessNext(ctx)
		if err != nil {
			w.log.WithError(err).WithField("slot", id).Error("error processing job")
			return
		}
		if !did {
			return
		}
	}
}

// Paused reports whether the pool is waiting for a key, and until when.
func (w *Worker) Paused() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pausedUntil, w.now().Before(w.pausedUntil)
}

func (w *Worker) pause(until time.Time) {
	now := w.now()
	if limit := now.Add(w.cfg.MaxIdle); until.After(limit) || !until.After(now) {
		until = limit
	}
	w.mu.Lock()
	if until.After(w.pausedUntil) {
		w.pausedUntil = until
	}
	w.mu.Unlock()
	w.log.WithField("until", until).Warn("no usable api keys, pausing")
}

// ProcessNext runs one job through the pipeline. It reports false when
// there was nothing to do or the pool is paused.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if _, paused := w.Paused(); paused {
		return false, nil
	}

	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil // No jobs to process
	}

	ctx, span := w.tracer.Start(ctx, "worker.ProcessJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("chunk.id", job.ChunkID),
		attribute.Int("job.attempt", job.AttemptCount),
	))
	defer span.End()

	log := w.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"chunk_id": job.ChunkID,
		"attempt":  job.AttemptCount,
	})

	chunk, err := w.chunks.GetByID(ctx, job.ChunkID)
	if err != nil {
		return true, err
	}
	if chunk == nil {
		_, err := w.queue.Fail(ctx, job.ID, apperr.NotFound("chunk", job.ChunkID), false)
		return true, err
	}

	key, err := w.acquireKey(ctx)
	if apperr.Is(err, apperr.KindNoKeysAvailable) {
		ae, _ := apperr.As(err)
		until := w.now().Add(ae.RetryAfter)
		if err := w.queue.Defer(ctx, job.ID, "no api keys available", until); err != nil {
			return true, err
		}
		span.AddEvent("deferred: no keys")
		w.pause(until)
		return true, nil
	}
	if err != nil {
		return true, err
	}
	span.SetAttributes(attribute.String("key.id", key.ID), attribute.String("key.tier", key.Tier))
	log = log.WithFields(logrus.Fields{"key_id": key.ID, "tier": key.Tier})

	if err := w.queue.AssignKey(ctx, job.ID, key.ID); err != nil {
		w.keys.Release(key.ID)
		return true, err
	}

	log.Info("processing job")
	proposals, err := w.transcribe(ctx, key, chunk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Shutdown may have cancelled ctx mid-call; the bookkeeping still has to land.
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer cancel()
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			w.keys.Release(key.ID)
			log.Warn("transcription interrupted, returning job to the queue")
			return true, w.queue.Defer(bctx, job.ID, "interrupted by shutdown", w.now())
		}
		return true, w.handleFailure(bctx, log, job, key, err)
	}

	if err := w.keys.ReportSuccess(ctx, key.ID); err != nil {
		log.WithError(err).Warn("failed to record key usage")
	}
	if err := w.queue.Complete(ctx, job.ID, proposals); err != nil {
		return true, err
	}
	log.WithField("segments", len(proposals)).Info("job completed")
	return true, nil
}

func (w *Worker) acquireKey(ctx context.Context) (*keypool.Key, error) {
	key, err := w.keys.Acquire(ctx)
	if !apperr.Is(err, apperr.KindNoKeysAvailable) || w.cfg.EscalationTier == "" {
		return key, err
	}
	primaryErr, _ := apperr.As(err)

	key, err = w.keys.AcquireTier(ctx, w.cfg.EscalationTier)
	if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindNoKeysAvailable {
		if primaryErr.RetryAfter > 0 && (ae.RetryAfter <= 0 || primaryErr.RetryAfter < ae.RetryAfter) {
			ae.RetryAfter = primaryErr.RetryAfter
		}
		return nil, ae
	}
	if err == nil {
		w.log.WithField("tier", key.Tier).Info("escalated to fallback tier")
	}
	return key, err
}

func (w *Worker) transcribe(ctx context.Context, key *keypool.Key, chunk *models.Chunk) ([]models.SegmentProposal, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	return w.backend.Transcribe(ctx, key.Secret, transcribe.Request{
		AudioPath:      chunk.AudioPath,
		Model:          w.cfg.TierModels[key.Tier],
		SourceLanguage: w.cfg.SourceLanguage,
		TargetLanguage: w.cfg.TargetLanguage,
		Duration:       chunk.Duration(),
	})
}

func (w *Worker) handleFailure(ctx context.Context, log *logrus.Entry, job *models.ProcessingJob, key *keypool.Key, jobErr error) error {
	kind := transcribe.Classify(jobErr)
	retryable := transcribe.Retryable(jobErr)
	log = log.WithFields(logrus.Fields{"kind": kind, "retryable": retryable, "error": jobErr.Error()})

	switch kind {
	case apperr.KindRateLimited:
		var retryAfter time.Duration
		if ae, ok := apperr.As(jobErr); ok {
			retryAfter = ae.RetryAfter
		}
		exhausted, err := w.keys.ReportRateLimited(ctx, key.ID, retryAfter)
		if err != nil {
			log.WithError(err).Warn("failed to record rate limit")
		}
		if _, err := w.queue.Fail(ctx, job.ID, jobErr, retryable); err != nil {
			return err
		}
		if exhausted && !w.escalationUsable() {
			if next, ok := w.keys.NextAvailable(key.Tier); ok {
				w.pause(next)
			}
		}
		return nil

	case apperr.KindTransient:
		if errors.Is(jobErr, transcribe.ErrKeyRejected) {
			if err := w.keys.Deactivate(ctx, key.ID); err != nil {
				log.WithError(err).Warn("failed to deactivate key")
			}
		} else {
			w.keys.Release(key.ID)
		}
		_, err := w.queue.Fail(ctx, job.ID, jobErr, retryable)
		return err

	default:
		w.keys.Release(key.ID)
		log.Error("permanent transcription failure")
		_, err := w.queue.Fail(ctx, job.ID, jobErr, retryable)
		return err
	}
}

func (w *Worker) escalationUsable() bool {
	if w.cfg.EscalationTier == "" {
		return false
	}
	next, ok := w.keys.NextAvailable(w.cfg.EscalationTier)
	return ok && !next.After(w.now())
}
