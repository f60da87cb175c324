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
)

// ChunkRepository はチャンクとリース、状態遷移のデータアクセス層
type ChunkRepository struct {
	db *DB
}

// NewChunkRepository は新しいChunkRepositoryを作成
func NewChunkRepository(db *DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, video_id, chunk_index, start_offset, end_offset, audio_path, status,
	locked_by, lease_expires_at, denoise, needs_retranscript, created_at, updated_at`

// CreateBatch はビデオのチャンクをまとめて作成し、ビデオを chunked にする
func (r *ChunkRepository) CreateBatch(ctx context.Context, videoID string, chunks []*models.Chunk) error {
	now := time.Now()
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		return createChunks(ctx, tx, videoID, chunks, now)
	})
}

func createChunks(ctx context.Context, q querier, videoID string, chunks []*models.Chunk, now time.Time) error {
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = newID()
		}
		c.VideoID = videoID
		if c.Status == "" {
			c.Status = models.ChunkPending
		}
		c.CreatedAt = fromMillis(millis(now))
		c.UpdatedAt = c.CreatedAt

		_, err := q.ExecContext(ctx,
			`INSERT INTO chunks (id, video_id, chunk_index, start_offset, end_offset, audio_path, status,
			     denoise, needs_retranscript, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			c.ID, c.VideoID, c.Index, c.StartOffset, c.EndOffset, c.AudioPath, string(c.Status),
			c.Denoise, millis(now), millis(now))
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindInvalidInput, "chunk %d already exists for video %s", c.Index, videoID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	_, err := q.ExecContext(ctx,
		`UPDATE videos SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.VideoStatusChunked, millis(now), videoID, models.VideoStatusPending)
	if err != nil {
		return fmt.Errorf("failed to update video status: %w", err)
	}
	return nil
}

// GetByID はIDでチャンクを取得
func (r *ChunkRepository) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	return getChunk(ctx, r.db, id)
}

func getChunk(ctx context.Context, q querier, id string) (*models.Chunk, error) {
	c, err := scanChunk(q.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	return c, nil
}

func mustGetChunk(ctx context.Context, q querier, id string) (*models.Chunk, error) {
	c, err := getChunk(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.NotFound("chunk", id)
	}
	return c, nil
}

// getChunkByIndex はビデオ内のインデックスでチャンクを取得
func getChunkByIndex(ctx context.Context, q querier, videoID string, index int) (*models.Chunk, error) {
	c, err := scanChunk(q.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE video_id = ? AND chunk_index = ?`, videoID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk %d: %w", index, err)
	}
	return c, nil
}

// ListByVideo はビデオのチャンク一覧をインデックス順で取得
func (r *ChunkRepository) ListByVideo(ctx context.Context, videoID string) ([]models.Chunk, error) {
	return r.list(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE video_id = ? ORDER BY chunk_index`, videoID)
}

// ListByStatus はステータスでチャンク一覧を取得
func (r *ChunkRepository) ListByStatus(ctx context.Context, status models.ChunkStatus, limit int) ([]models.Chunk, error) {
	if limit == 0 {
		limit = 50
	}
	return r.list(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE status = ? ORDER BY updated_at LIMIT ?`,
		string(status), limit)
}

func (r *ChunkRepository) list(ctx context.Context, query string, args ...any) ([]models.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// ApprovedChunk is an approved chunk together with its video.
type ApprovedChunk struct {
	Video models.Video
	Chunk models.Chunk
}

// ListApproved は承認済みチャンクをビデオ・インデックス順で取得（空文字は絞り込みなし）
func (r *ChunkRepository) ListApproved(ctx context.Context, channelID, videoID string) ([]ApprovedChunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT v.id, v.channel_id, v.title, v.duration_sec, v.source_path, v.status, v.created_at, v.updated_at,
		        c.id, c.video_id, c.chunk_index, c.start_offset, c.end_offset, c.audio_path, c.status,
		        c.locked_by, c.lease_expires_at, c.denoise, c.needs_retranscript, c.created_at, c.updated_at
		 FROM chunks c JOIN videos v ON v.id = c.video_id
		 WHERE c.status = ? AND (? = '' OR v.channel_id = ?) AND (? = '' OR v.id = ?)
		 ORDER BY v.created_at, v.id, c.chunk_index`,
		string(models.ChunkApproved), channelID, channelID, videoID, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approved chunks: %w", err)
	}
	defer rows.Close()

	var out []ApprovedChunk
	for rows.Next() {
		var ac ApprovedChunk
		var vCreated, vUpdated int64
		var cr chunkRow
		dest := append([]any{
			&ac.Video.ID, &ac.Video.ChannelID, &ac.Video.Title, &ac.Video.DurationSec,
			&ac.Video.SourcePath, &ac.Video.Status, &vCreated, &vUpdated,
		}, cr.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan approved chunk: %w", err)
		}
		ac.Video.CreatedAt = fromMillis(vCreated)
		ac.Video.UpdatedAt = fromMillis(vUpdated)
		ac.Chunk = cr.chunk()
		out = append(out, ac)
	}
	return out, rows.Err()
}

// AcquireLease はチャンクの編集リースを取得する。
// 未ロック・期限切れ・同一ユーザーの場合のみ成功し、review_ready なら in_review に遷移する
func (r *ChunkRepository) AcquireLease(ctx context.Context, chunkID, userID string, now time.Time, ttl time.Duration) (*models.Chunk, *models.ChunkTransition, error) {
	var chunk *models.Chunk
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := mustGetChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if !lifecycle.Contains(lifecycle.Reviewable, c.Status) {
			return apperr.New(apperr.KindInvalidTransition, "chunk %s is %s, not open for review", chunkID, c.Status)
		}
		if c.LeaseActive(now) && *c.LockedBy != userID {
			return apperr.Locked(chunkID, *c.LockedBy, *c.LeaseExpiresAt)
		}

		expires := fromMillis(millis(now.Add(ttl)))
		res, err := tx.ExecContext(ctx,
			`UPDATE chunks SET locked_by = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)
			   AND (locked_by IS NULL OR locked_by = ? OR lease_expires_at IS NULL OR lease_expires_at <= ?)`,
			userID, millis(expires), millis(now), chunkID,
			string(models.ChunkReviewReady), string(models.ChunkInReview),
			userID, millis(now))
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.KindLocked, "chunk %s was locked concurrently", chunkID)
		}
		c.LockedBy = &userID
		c.LeaseExpiresAt = &expires

		if c.Status == models.ChunkReviewReady {
			tr, err = transition(ctx, tx, c, transitionSpec{
				to:     models.ChunkInReview,
				actor:  userID,
				reason: "lease acquired",
				now:    now,
			})
			if err != nil {
				return err
			}
		}
		chunk = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return chunk, tr, nil
}

// ReleaseLease はリース保持者のみがリースを解放できる
func (r *ChunkRepository) ReleaseLease(ctx context.Context, chunkID, userID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET locked_by = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND locked_by = ?`,
		millis(now), chunkID, userID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.leaseMiss(ctx, chunkID, userID, now)
	}
	return nil
}

// RenewLease は保持者を変えずに有効期限を延長する。期限切れのリースは延長できない
func (r *ChunkRepository) RenewLease(ctx context.Context, chunkID, userID string, now time.Time, ttl time.Duration) (time.Time, error) {
	expires := fromMillis(millis(now.Add(ttl)))
	res, err := r.db.ExecContext(ctx,
		`UPDATE chunks SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND locked_by = ? AND lease_expires_at > ?`,
		millis(expires), millis(now), chunkID, userID, millis(now))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, r.leaseMiss(ctx, chunkID, userID, now)
	}
	return expires, nil
}

// leaseMiss explains why a lease-guarded write matched no row.
func (r *ChunkRepository) leaseMiss(ctx context.Context, chunkID, userID string, now time.Time) error {
	c, err := mustGetChunk(ctx, r.db, chunkID)
	if err != nil {
		return err
	}
	return leaseError(c, userID, now)
}

func leaseError(c *models.Chunk, userID string, now time.Time) error {
	switch {
	case c.LeaseActive(now) && *c.LockedBy != userID:
		return apperr.New(apperr.KindNotLockOwner, "chunk %s is leased by %s, not %s", c.ID, *c.LockedBy, userID)
	case c.LockedBy != nil && *c.LockedBy == userID && !c.LeaseActive(now):
		return apperr.New(apperr.KindNotLockOwner, "lease on chunk %s expired; acquire it again", c.ID)
	case !c.LeaseActive(now):
		return apperr.New(apperr.KindNotLockOwner, "%s holds no lease on chunk %s", userID, c.ID)
	}
	return nil
}

// requireLease returns NotLockOwner unless userID holds a live lease on c.
func requireLease(c *models.Chunk, userID string, now time.Time) error {
	if c.LeaseHeldBy(userID, now) {
		return nil
	}
	if err := leaseError(c, userID, now); err != nil {
		return err
	}
	return apperr.New(apperr.KindNotLockOwner, "%s holds no lease on chunk %s", userID, c.ID)
}

// Approve は全セグメントが検証済みか却下済みの場合のみ in_review → approved に遷移し、リースを解放する
func (r *ChunkRepository) Approve(ctx context.Context, chunkID, userID string, now time.Time) (*models.ChunkTransition, error) {
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := mustGetChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if err := requireLease(c, userID, now); err != nil {
			return err
		}
		if err := lifecycle.Validate(c.Status, models.ChunkApproved, nil); err != nil {
			return err
		}
		unresolved, err := countUnresolved(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if unresolved > 0 {
			return apperr.Unresolved(chunkID, unresolved)
		}

		tr, err = transition(ctx, tx, c, transitionSpec{
			to:     models.ChunkApproved,
			actor:  userID,
			reason: "approved",
			now:    now,
			set:    `, locked_by = NULL, lease_expires_at = NULL`,
			where: ` AND locked_by = ? AND lease_expires_at > ?
			   AND NOT EXISTS (SELECT 1 FROM segments s
			                   WHERE s.chunk_id = chunks.id AND s.is_verified = 0 AND s.is_rejected = 0)`,
			whereArgs: []any{userID, millis(now)},
		})
		if err != nil {
			return err
		}
		c.LockedBy, c.LeaseExpiresAt = nil, nil
		return rollUpVideoStatus(ctx, tx, c.VideoID, now)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Reject はチャンクを却下する。in_review の場合はリース保持者のみ、
// review_ready の場合は他者のリースがないときのみ可能
func (r *ChunkRepository) Reject(ctx context.Context, chunkID, userID, reason string, now time.Time) (*models.ChunkTransition, error) {
	var tr *models.ChunkTransition
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := mustGetChunk(ctx, tx, chunkID)
		if err != nil {
			return err
		}
		if c.Status == models.ChunkInReview {
			if err := requireLease(c, userID, now); err != nil {
				return err
			}
		} else if c.LeaseActive(now) && *c.LockedBy != userID {
			return apperr.Locked(chunkID, *c.LockedBy, *c.LeaseExpiresAt)
		}
		if reason == "" {
			reason = "rejected"
		}

		tr, err = transition(ctx, tx, c, transitionSpec{
			to:        models.ChunkRejected,
			actor:     userID,
			reason:    reason,
			now:       now,
			set:       `, locked_by = NULL, lease_expires_at = NULL`,
			where:     ` AND (locked_by IS NULL OR locked_by = ? OR lease_expires_at <= ?)`,
			whereArgs: []any{userID, millis(now)},
		})
		if err != nil {
			return err
		}
		return rollUpVideoStatus(ctx, tx, c.VideoID, now)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// ListTransitions はチャンクの監査ログを古い順に取得
func (r *ChunkRepository) ListTransitions(ctx context.Context, chunkID string) ([]models.ChunkTransition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, chunk_id, from_status, to_status, actor, reason, created_at
		 FROM chunk_transitions WHERE chunk_id = ? ORDER BY id`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.ChunkTransition
	for rows.Next() {
		var t models.ChunkTransition
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.ChunkID, &t.From, &t.To, &t.Actor, &t.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// transitionSpec describes one conditional status update.
type transitionSpec struct {
	to      models.ChunkStatus
	allowed []models.ChunkStatus
	actor   string
	reason  string
	now     time.Time

	// set is appended to the SET list, where to the WHERE clause.
	set       string
	setArgs   []any
	where     string
	whereArgs []any
}

// transition moves c to spec.to with an update conditioned on c's current
// status, then writes the audit row in the same transaction.
func transition(ctx context.Context, q querier, c *models.Chunk, spec transitionSpec) (*models.ChunkTransition, error) {
	if err := lifecycle.Validate(c.Status, spec.to, spec.allowed); err != nil {
		return nil, err
	}

	args := []any{string(spec.to), millis(spec.now)}
	args = append(args, spec.setArgs...)
	args = append(args, c.ID, string(c.Status))
	args = append(args, spec.whereArgs...)

	res, err := q.ExecContext(ctx,
		`UPDATE chunks SET status = ?, updated_at = ?`+spec.set+`
		 WHERE id = ? AND status = ?`+spec.where,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update chunk status: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.New(apperr.KindInvalidTransition, "chunk %s changed concurrently, %s -> %s not applied", c.ID, c.Status, spec.to)
	}

	tr := &models.ChunkTransition{
		ChunkID:   c.ID,
		From:      c.Status,
		To:        spec.to,
		Actor:     spec.actor,
		Reason:    spec.reason,
		CreatedAt: fromMillis(millis(spec.now)),
	}
	res, err = q.ExecContext(ctx,
		`INSERT INTO chunk_transitions (chunk_id, from_status, to_status, actor, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ChunkID, string(tr.From), string(tr.To), tr.Actor, tr.Reason, millis(spec.now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert transition: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		tr.ID = id
	}

	c.Status = spec.to
	c.UpdatedAt = tr.CreatedAt
	return tr, nil
}

// chunkRow holds the nullable scan targets of a chunk row.
type chunkRow struct {
	c              models.Chunk
	lockedBy       sql.NullString
	leaseExpiresAt sql.NullInt64
	createdAt      int64
	updatedAt      int64
}

func (cr *chunkRow) dest() []any {
	return []any{
		&cr.c.ID, &cr.c.VideoID, &cr.c.Index, &cr.c.StartOffset, &cr.c.EndOffset, &cr.c.AudioPath, &cr.c.Status,
		&cr.lockedBy, &cr.leaseExpiresAt, &cr.c.Denoise, &cr.c.NeedsRetranscript, &cr.createdAt, &cr.updatedAt,
	}
}

func (cr *chunkRow) chunk() models.Chunk {
	c := cr.c
	c.LockedBy = stringPtr(cr.lockedBy)
	c.LeaseExpiresAt = timePtr(cr.leaseExpiresAt)
	c.CreatedAt = fromMillis(cr.createdAt)
	c.UpdatedAt = fromMillis(cr.updatedAt)
	return c
}

func scanChunk(s rowScanner) (*models.Chunk, error) {
	var cr chunkRow
	if err := s.Scan(cr.dest()...); err != nil {
		return nil, err
	}
	c := cr.chunk()
	return &c, nil
}
