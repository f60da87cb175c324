package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/lifecycle"
	"clipfactory/internal/models"
	"clipfactory/internal/segmenter"
)

// JobRepository はジョブのデータアクセス層
type JobRepository struct {
	db *DB
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, chunk_id, status, attempt_count, last_error, api_key_id,
	enqueued_at, available_at, started_at, completed_at, updated_at`

// claimCandidates はdequeue時に一度に検討する候補数
const claimCandidates = 16

// WorkerActor は監査ログ上のワーカーの名前
const WorkerActor = "worker"

// Enqueue はチャンクを queued にしてジョブを作成する
func (r *JobRepository) Enqueue(ctx context.Context, chunkID, actor string, now time.Time) (*models.ProcessingJob, *models.ChunkTransition, error) {
	var job *models.ProcessingJob
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := mustGetChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if err := ensureNoActiveJob(ctx, tx, chunkID); err != nil {
			return err
		}
		tr, err = transition(ctx, tx, c, transitionSpec{
			to:      models.ChunkQueued,
			allowed: lifecycle.Enqueueable,
			actor:   actor,
			reason:  "enqueued",
			now:     now,
		})
		if err != nil {
			return err
		}
		job, err = insertJob(ctx, tx, chunkID, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, tr, nil
}

func ensureNoActiveJob(ctx context.Context, q querier, chunkID string) error {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM processing_jobs WHERE chunk_id = ? AND status IN (?, ?) LIMIT 1`,
		chunkID, string(models.JobStatusQueued), string(models.JobStatusProcessing)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check active job: %w", err)
	}
	return apperr.New(apperr.KindDuplicateJob, "chunk %s already has active job %s", chunkID, id)
}

func insertJob(ctx context.Context, q querier, chunkID string, now time.Time) (*models.ProcessingJob, error) {
	ts := fromMillis(millis(now))
	job := &models.ProcessingJob{
		ID:          newID(),
		ChunkID:     chunkID,
		Status:      models.JobStatusQueued,
		EnqueuedAt:  ts,
		AvailableAt: ts,
		UpdatedAt:   ts,
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO processing_jobs (id, chunk_id, status, attempt_count, enqueued_at, available_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		job.ID, job.ChunkID, string(job.Status), millis(now), millis(now), millis(now))
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.KindDuplicateJob, "chunk %s already has an active job", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// Claim は利用可能な最古のキュー済みジョブを processing にして返す。
// 他のワーカーに先に取られた候補はスキップする。キューが空なら nil
func (r *JobRepository) Claim(ctx context.Context, now time.Time) (*models.ProcessingJob, *models.ChunkTransition, error) {
	var job *models.ProcessingJob
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := listJobs(ctx, tx,
			`SELECT `+jobColumns+` FROM processing_jobs
			 WHERE status = ? AND available_at <= ?
			 ORDER BY enqueued_at, rowid LIMIT ?`,
			string(models.JobStatusQueued), millis(now), claimCandidates)
		if err != nil {
			return err
		}

		for i := range candidates {
			cand := &candidates[i]
			res, err := tx.ExecContext(ctx,
				`UPDATE processing_jobs
				 SET status = ?, attempt_count = attempt_count + 1, started_at = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(models.JobStatusProcessing), millis(now), millis(now),
				cand.ID, string(models.JobStatusQueued))
			if err != nil {
				return fmt.Errorf("failed to claim job: %w", err)
			}
			n, err := affected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			c, err := mustGetChunk(ctx, tx, cand.ChunkID)
			if err != nil {
				return err
			}
			if c.Status != models.ChunkQueued {
				// The chunk moved on without this job; retire it and keep looking.
				if err := retireJob(ctx, tx, cand.ID, fmt.Sprintf("chunk is %s", c.Status), now); err != nil {
					return err
				}
				continue
			}
			tr, err = transition(ctx, tx, c, transitionSpec{
				to:     models.ChunkProcessing,
				actor:  WorkerActor,
				reason: "claimed by job " + cand.ID,
				now:    now,
			})
			if err != nil {
				return err
			}

			ts := fromMillis(millis(now))
			cand.Status = models.JobStatusProcessing
			cand.AttemptCount++
			cand.StartedAt = &ts
			cand.UpdatedAt = ts
			job = cand
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, tr, nil
}

// SupersededPrefix marks the last_error of a job retired because its chunk
// moved on before the job was claimed.
const SupersededPrefix = "superseded: "

func retireJob(ctx context.Context, q querier, jobID, reason string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, last_error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(models.JobStatusFailed), SupersededPrefix+reason, millis(now), millis(now), jobID)
	if err != nil {
		return fmt.Errorf("failed to retire job: %w", err)
	}
	return nil
}

// AssignKey は処理中ジョブに使用したAPIキーを記録する
func (r *JobRepository) AssignKey(ctx context.Context, jobID, keyID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE processing_jobs SET api_key_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		keyID, millis(now), jobID, string(models.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to assign key: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.staleJob(ctx, jobID)
	}
	return nil
}

// Complete はジョブを完了し、提案セグメントを書き込んでチャンクを review_ready にする。
// 検証済み・却下済み・レビュアーが編集したセグメントは保持し、それと重なる提案は捨てる
func (r *JobRepository) Complete(ctx context.Context, jobID string, proposals []models.SegmentProposal, now time.Time) (*models.ChunkTransition, error) {
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		job, err := r.finish(ctx, tx, jobID, models.JobStatusCompleted, nil, now)
		if err != nil {
			return err
		}
		c, err := mustGetChunk(ctx, tx, job.ChunkID)
		if err != nil {
			return err
		}

		existing, err := listSegments(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		var kept []models.Segment
		for _, s := range existing {
			if humanTouched(s) {
				kept = append(kept, s)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM segments WHERE chunk_id = ? AND is_verified = 0 AND is_rejected = 0 AND edited_by IS NULL`,
			c.ID); err != nil {
			return fmt.Errorf("failed to purge proposed segments: %w", err)
		}

		fresh := make([]models.Segment, 0, len(proposals))
		for _, p := range proposals {
			if p.Start < 0 || p.End <= p.Start || intersectsAny(p.Start, p.End, kept) {
				continue
			}
			fresh = append(fresh, models.Segment{
				ChunkID:     c.ID,
				StartTime:   p.Start,
				EndTime:     p.End,
				Transcript:  p.Transcript,
				Translation: p.Translation,
				Source:      models.SegmentSourceModel,
			})
		}

		fresh, err = resolveNeighbors(ctx, tx, c, kept, fresh, now)
		if err != nil {
			return err
		}
		for i := range fresh {
			if err := insertSegment(ctx, tx, &fresh[i], now); err != nil {
				return err
			}
		}

		tr, err = transition(ctx, tx, c, transitionSpec{
			to:     models.ChunkReviewReady,
			actor:  WorkerActor,
			reason: fmt.Sprintf("job %s produced %d segments", jobID, len(fresh)),
			now:    now,
			set:    `, needs_retranscript = 0`,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func humanTouched(s models.Segment) bool {
	return s.Resolved() || s.EditedBy != nil
}

func intersectsAny(start, end float64, segs []models.Segment) bool {
	for _, s := range segs {
		if start < s.ResolvedEnd() && s.ResolvedStart() < end {
			return true
		}
	}
	return false
}

func chunkWindow(c *models.Chunk) segmenter.Window {
	return segmenter.Window{Index: c.Index, Start: c.StartOffset, End: c.EndOffset}
}

func spansOf(segs []models.Segment, locked bool) []segmenter.Span {
	spans := make([]segmenter.Span, len(segs))
	for i, s := range segs {
		spans[i] = segmenter.Span{
			Start:  s.ResolvedStart(),
			End:    s.ResolvedEnd(),
			Locked: locked || humanTouched(s),
		}
	}
	return spans
}

// resolveNeighbors de-duplicates fresh proposals of c against the segments
// already stored for the chunks before and after it. It deletes the
// neighbours' losing model segments and returns the surviving proposals.
// A neighbour under a live lease keeps all of its segments.
func resolveNeighbors(ctx context.Context, q querier, c *models.Chunk, kept, fresh []models.Segment, now time.Time) ([]models.Segment, error) {
	drop := make(map[int]bool)

	if prev, err := getChunkByIndex(ctx, q, c.VideoID, c.Index-1); err != nil {
		return nil, err
	} else if prev != nil {
		prevSegs, err := listSegments(ctx, q, prev.ID)
		if err != nil {
			return nil, err
		}
		res := segmenter.ResolveOverlap(chunkWindow(prev), spansOf(prevSegs, prev.LeaseActive(now)), chunkWindow(c), spansOf(fresh, false))
		for _, j := range res.DropLater {
			drop[j] = true
		}
		if err := deleteSegmentsAt(ctx, q, prevSegs, res.DropEarlier); err != nil {
			return nil, err
		}
	}

	if next, err := getChunkByIndex(ctx, q, c.VideoID, c.Index+1); err != nil {
		return nil, err
	} else if next != nil {
		nextSegs, err := listSegments(ctx, q, next.ID)
		if err != nil {
			return nil, err
		}
		// Earlier side: the fresh proposals followed by the kept human segments.
		earlier := append(spansOf(fresh, false), spansOf(kept, true)...)
		res := segmenter.ResolveOverlap(chunkWindow(c), earlier, chunkWindow(next), spansOf(nextSegs, next.LeaseActive(now)))
		for _, i := range res.DropEarlier {
			if i < len(fresh) {
				drop[i] = true
			}
		}
		if err := deleteSegmentsAt(ctx, q, nextSegs, res.DropLater); err != nil {
			return nil, err
		}
	}

	out := fresh[:0]
	for i, s := range fresh {
		if !drop[i] {
			out = append(out, s)
		}
	}
	return out, nil
}

func deleteSegmentsAt(ctx context.Context, q querier, segs []models.Segment, idx []int) error {
	for _, i := range idx {
		s := segs[i]
		if humanTouched(s) {
			continue
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM segments WHERE id = ? AND is_verified = 0 AND is_rejected = 0 AND edited_by IS NULL`,
			s.ID); err != nil {
			return fmt.Errorf("failed to delete overlapping segment: %w", err)
		}
	}
	return nil
}

// Fail はジョブの失敗を記録する。requeue ならば availableAt 以降に再実行、
// そうでなければジョブを failed、チャンクを failed（要再文字起こし）にする
func (r *JobRepository) Fail(ctx context.Context, jobID, msg string, requeue bool, availableAt, now time.Time) (*models.ProcessingJob, *models.ChunkTransition, error) {
	var job *models.ProcessingJob
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if requeue {
			job, err = r.requeue(ctx, tx, jobID, msg, availableAt, false, now)
		} else {
			job, err = r.finish(ctx, tx, jobID, models.JobStatusFailed, &msg, now)
		}
		if err != nil {
			return err
		}
		c, err := mustGetChunk(ctx, tx, job.ChunkID)
		if err != nil {
			return err
		}
		spec := transitionSpec{
			to:     models.ChunkQueued,
			actor:  WorkerActor,
			reason: "retry: " + msg,
			now:    now,
		}
		if !requeue {
			spec.to = models.ChunkFailed
			spec.reason = "failed: " + msg
			spec.set = `, needs_retranscript = 1`
		}
		tr, err = transition(ctx, tx, c, spec)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, tr, nil
}

// Defer は試行回数を消費せずに処理中ジョブをキューへ戻す
func (r *JobRepository) Defer(ctx context.Context, jobID, reason string, until, now time.Time) (*models.ChunkTransition, error) {
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		job, err := r.requeue(ctx, tx, jobID, reason, until, true, now)
		if err != nil {
			return err
		}
		c, err := mustGetChunk(ctx, tx, job.ChunkID)
		if err != nil {
			return err
		}
		tr, err = transition(ctx, tx, c, transitionSpec{
			to:     models.ChunkQueued,
			actor:  WorkerActor,
			reason: "deferred: " + reason,
			now:    now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (r *JobRepository) requeue(ctx context.Context, q querier, jobID, msg string, availableAt time.Time, refund bool, now time.Time) (*models.ProcessingJob, error) {
	refundExpr := `attempt_count`
	if refund {
		refundExpr = `MAX(attempt_count - 1, 0)`
	}
	res, err := q.ExecContext(ctx,
		`UPDATE processing_jobs
		 SET status = ?, attempt_count = `+refundExpr+`, last_error = ?, api_key_id = NULL,
		     available_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.JobStatusQueued), msg, millis(availableAt), millis(now),
		jobID, string(models.JobStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}
	return r.afterUpdate(ctx, q, res, jobID)
}

func (r *JobRepository) finish(ctx context.Context, q querier, jobID string, status models.JobStatus, msg *string, now time.Time) (*models.ProcessingJob, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE processing_jobs SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), msg, millis(now), millis(now),
		jobID, string(models.JobStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("failed to finish job: %w", err)
	}
	return r.afterUpdate(ctx, q, res, jobID)
}

func (r *JobRepository) afterUpdate(ctx context.Context, q querier, res sql.Result, jobID string) (*models.ProcessingJob, error) {
	n, err := affected(res)
	if err != nil {
		return nil, err
	}
	job, err := getJob(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound("job", jobID)
	}
	if n == 0 {
		return nil, apperr.New(apperr.KindStaleJob, "job %s is %s, not processing", jobID, job.Status)
	}
	return job, nil
}

func (r *JobRepository) staleJob(ctx context.Context, jobID string) error {
	job, err := getJob(ctx, r.db, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperr.NotFound("job", jobID)
	}
	return apperr.New(apperr.KindStaleJob, "job %s is %s, not processing", jobID, job.Status)
}

// Cancel はキュー済みジョブのみ取り消し、チャンクを pending に戻す
func (r *JobRepository) Cancel(ctx context.Context, jobID, actor string, now time.Time) (*models.ProcessingJob, *models.ChunkTransition, error) {
	var job *models.ProcessingJob
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE processing_jobs SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(models.JobStatusCancelled), "cancelled by "+actor, millis(now), millis(now),
			jobID, string(models.JobStatusQueued))
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		job, err = getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return apperr.NotFound("job", jobID)
		}
		if n == 0 {
			return apperr.New(apperr.KindJobNotCancellable, "job %s is %s; only queued jobs can be cancelled", jobID, job.Status)
		}

		c, err := mustGetChunk(ctx, tx, job.ChunkID)
		if err != nil {
			return err
		}
		tr, err = transition(ctx, tx, c, transitionSpec{
			to:     models.ChunkPending,
			actor:  actor,
			reason: "job " + jobID + " cancelled",
			now:    now,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, tr, nil
}

// Retranscript はチャンクのセグメントを破棄し、リースとフラグを解除して再キューする
func (r *JobRepository) Retranscript(ctx context.Context, chunkID, userID string, now time.Time) (*models.ProcessingJob, *models.ChunkTransition, error) {
	var job *models.ProcessingJob
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := mustGetChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if c.LeaseActive(now) && *c.LockedBy != userID {
			return apperr.Locked(chunkID, *c.LockedBy, *c.LeaseExpiresAt)
		}
		if err := lifecycle.Validate(c.Status, models.ChunkQueued, lifecycle.Retranscribable); err != nil {
			return err
		}
		if err := ensureNoActiveJob(ctx, tx, chunkID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE chunk_id = ?`, chunkID); err != nil {
			return fmt.Errorf("failed to purge segments: %w", err)
		}
		tr, err = transition(ctx, tx, c, transitionSpec{
			to:      models.ChunkQueued,
			allowed: lifecycle.Retranscribable,
			actor:   userID,
			reason:  "retranscript",
			now:     now,
			set:     `, locked_by = NULL, lease_expires_at = NULL, needs_retranscript = 0`,
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE videos SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			models.VideoStatusChunked, millis(now), c.VideoID, models.VideoStatusCompleted); err != nil {
			return fmt.Errorf("failed to reopen video: %w", err)
		}
		job, err = insertJob(ctx, tx, chunkID, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return job, tr, nil
}

// GetByID はIDでジョブを取得
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.ProcessingJob, error) {
	return getJob(ctx, r.db, id)
}

func getJob(ctx context.Context, q querier, id string) (*models.ProcessingJob, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// LatestForChunk はチャンクの最新ジョブを取得
func (r *JobRepository) LatestForChunk(ctx context.Context, chunkID string) (*models.ProcessingJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE chunk_id = ? ORDER BY enqueued_at DESC, rowid DESC LIMIT 1`,
		chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListByStatus はステータスでジョブ一覧を取得
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.ProcessingJob, error) {
	if limit == 0 {
		limit = 50
	}
	return listJobs(ctx, r.db,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE status = ? ORDER BY enqueued_at, rowid LIMIT ?`,
		string(status), limit)
}

// ListRecent は最近のジョブ一覧を取得
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]models.ProcessingJob, error) {
	if limit == 0 {
		limit = 50
	}
	return listJobs(ctx, r.db,
		`SELECT `+jobColumns+` FROM processing_jobs ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit)
}

// CountByStatus はステータスごとのジョブ数を取得
func (r *JobRepository) CountByStatus(ctx context.Context) (models.JobStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	stats := models.JobStats{}
	for rows.Next() {
		var status models.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// CleanupFinished は cutoff より前に終了したジョブを削除
func (r *JobRepository) CleanupFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processing_jobs WHERE status IN (?, ?, ?) AND completed_at < ?`,
		string(models.JobStatusCompleted), string(models.JobStatusFailed), string(models.JobStatusCancelled),
		millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	return affected(res)
}

func listJobs(ctx context.Context, q querier, query string, args ...any) ([]models.ProcessingJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(s rowScanner) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	var lastError, apiKeyID sql.NullString
	var startedAt, completedAt sql.NullInt64
	var enqueuedAt, availableAt, updatedAt int64

	err := s.Scan(
		&job.ID, &job.ChunkID, &job.Status, &job.AttemptCount, &lastError, &apiKeyID,
		&enqueuedAt, &availableAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.LastError = stringPtr(lastError)
	job.APIKeyID = stringPtr(apiKeyID)
	job.EnqueuedAt = fromMillis(enqueuedAt)
	job.AvailableAt = fromMillis(availableAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}
