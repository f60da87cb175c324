package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/models"
)

// SegmentRepository はセグメントのデータアクセス層
type SegmentRepository struct {
	db *DB
}

// NewSegmentRepository は新しいSegmentRepositoryを作成
func NewSegmentRepository(db *DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

const segmentColumns = `id, chunk_id, start_time, end_time, edited_start, edited_end, transcript, translation,
	is_verified, is_rejected, source, edited_by, created_at, updated_at`

// GetByID はIDでセグメントを取得
func (r *SegmentRepository) GetByID(ctx context.Context, id string) (*models.Segment, error) {
	return getSegment(ctx, r.db, id)
}

func getSegment(ctx context.Context, q querier, id string) (*models.Segment, error) {
	s, err := scanSegment(q.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query segment: %w", err)
	}
	return s, nil
}

// ListByChunk はチャンクのセグメントを開始時刻順で取得
func (r *SegmentRepository) ListByChunk(ctx context.Context, chunkID string) ([]models.Segment, error) {
	return listSegments(ctx, r.db, chunkID)
}

func listSegments(ctx context.Context, q querier, chunkID string) ([]models.Segment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE chunk_id = ? ORDER BY start_time, created_at, id`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, *s)
	}
	return segments, rows.Err()
}

func countUnresolved(ctx context.Context, q querier, chunkID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE chunk_id = ? AND is_verified = 0 AND is_rejected = 0`,
		chunkID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved segments: %w", err)
	}
	return n, nil
}

// leaseGuard restricts a segment write to a live lease held by the caller on an in_review chunk.
const leaseGuard = `EXISTS (SELECT 1 FROM chunks c
	WHERE c.id = segments.chunk_id AND c.status = ? AND c.locked_by = ? AND c.lease_expires_at > ?)`

// UpdateAsReviewer はリース保持者としてセグメントを更新する
func (r *SegmentRepository) UpdateAsReviewer(ctx context.Context, segmentID, userID string, patch models.SegmentPatch, now time.Time) (*models.Segment, error) {
	if !patch.Decision.Valid() {
		return nil, apperr.New(apperr.KindInvalidInput, "unknown decision %q", patch.Decision)
	}

	var updated *models.Segment
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		seg, err := getSegment(ctx, tx, segmentID)
		if err != nil {
			return err
		}
		if seg == nil {
			return apperr.NotFound("segment", segmentID)
		}
		c, err := mustGetChunk(ctx, tx, seg.ChunkID)
		if err != nil {
			return err
		}
		if err := requireLease(c, userID, now); err != nil {
			return err
		}
		if c.Status != models.ChunkInReview {
			return apperr.New(apperr.KindInvalidTransition, "chunk %s is %s, not in review", c.ID, c.Status)
		}

		next := patch.Apply(*seg)
		if err := validateRange(next.ResolvedStart(), next.ResolvedEnd()); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE segments SET
			     transcript   = COALESCE(?, transcript),
			     translation  = COALESCE(?, translation),
			     edited_start = COALESCE(?, edited_start),
			     edited_end   = COALESCE(?, edited_end),
			     is_verified  = CASE ? WHEN 'verify' THEN 1 WHEN 'reject' THEN 0 WHEN 'reset' THEN 0 ELSE is_verified END,
			     is_rejected  = CASE ? WHEN 'verify' THEN 0 WHEN 'reject' THEN 1 WHEN 'reset' THEN 0 ELSE is_rejected END,
			     edited_by    = ?,
			     updated_at   = ?
			 WHERE id = ? AND `+leaseGuard,
			patch.Transcript, patch.Translation, patch.EditedStart, patch.EditedEnd,
			string(patch.Decision), string(patch.Decision),
			userID, millis(now), segmentID,
			string(models.ChunkInReview), userID, millis(now))
		if err != nil {
			return fmt.Errorf("failed to update segment: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.KindNotLockOwner, "%s holds no lease on chunk %s", userID, c.ID)
		}

		next.EditedBy = &userID
		next.UpdatedAt = fromMillis(millis(now))
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddAsReviewer はリース保持者としてレビュアー作成のセグメントを追加する
func (r *SegmentRepository) AddAsReviewer(ctx context.Context, chunkID, userID string, seg *models.Segment, now time.Time) error {
	if err := validateRange(seg.StartTime, seg.EndTime); err != nil {
		return err
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := mustGetChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if err := requireLease(c, userID, now); err != nil {
			return err
		}
		if c.Status != models.ChunkInReview {
			return apperr.New(apperr.KindInvalidTransition, "chunk %s is %s, not in review", c.ID, c.Status)
		}

		seg.ChunkID = chunkID
		seg.Source = models.SegmentSourceReviewer
		seg.EditedBy = &userID
		seg.EditedStart, seg.EditedEnd = nil, nil
		return insertSegment(ctx, tx, seg, now)
	})
}

func validateRange(start, end float64) error {
	if start < 0 {
		return apperr.New(apperr.KindInvalidInput, "segment start %.3f is negative", start)
	}
	if end <= start {
		return apperr.New(apperr.KindInvalidInput, "segment end %.3f must be after start %.3f", end, start)
	}
	return nil
}

func insertSegment(ctx context.Context, q querier, s *models.Segment, now time.Time) error {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Source == "" {
		s.Source = models.SegmentSourceModel
	}
	s.CreatedAt = fromMillis(millis(now))
	s.UpdatedAt = s.CreatedAt

	_, err := q.ExecContext(ctx,
		`INSERT INTO segments (id, chunk_id, start_time, end_time, edited_start, edited_end, transcript, translation,
		     is_verified, is_rejected, source, edited_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ChunkID, s.StartTime, s.EndTime, s.EditedStart, s.EditedEnd, s.Transcript, s.Translation,
		s.IsVerified, s.IsRejected, s.Source, s.EditedBy, millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

func scanSegment(s rowScanner) (*models.Segment, error) {
	var seg models.Segment
	var editedStart, editedEnd sql.NullFloat64
	var editedBy sql.NullString
	var createdAt, updatedAt int64

	err := s.Scan(
		&seg.ID, &seg.ChunkID, &seg.StartTime, &seg.EndTime, &editedStart, &editedEnd,
		&seg.Transcript, &seg.Translation, &seg.IsVerified, &seg.IsRejected, &seg.Source,
		&editedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	seg.EditedStart = floatPtr(editedStart)
	seg.EditedEnd = floatPtr(editedEnd)
	seg.EditedBy = stringPtr(editedBy)
	seg.CreatedAt = fromMillis(createdAt)
	seg.UpdatedAt = fromMillis(updatedAt)
	return &seg, nil
}
