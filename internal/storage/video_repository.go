package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clipfactory/internal/models"
)

// VideoRepository はビデオのデータアクセス層
type VideoRepository struct {
	db *DB
}

// NewVideoRepository は新しいVideoRepositoryを作成
func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

const videoColumns = `id, channel_id, title, duration_sec, source_path, status, created_at, updated_at`

// Create は新しいビデオを作成
func (r *VideoRepository) Create(ctx context.Context, v *models.Video) error {
	return createVideo(ctx, r.db, v, time.Now())
}

func createVideo(ctx context.Context, q querier, v *models.Video, now time.Time) error {
	if v.ID == "" {
		v.ID = newID()
	}
	if v.Status == "" {
		v.Status = models.VideoStatusPending
	}
	v.CreatedAt = fromMillis(millis(now))
	v.UpdatedAt = v.CreatedAt

	_, err := q.ExecContext(ctx,
		`INSERT INTO videos (`+videoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ChannelID, v.Title, v.DurationSec, v.SourcePath, v.Status, millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	return nil
}

// GetByID はIDでビデオを取得
func (r *VideoRepository) GetByID(ctx context.Context, id string) (*models.Video, error) {
	return getVideo(ctx, r.db, id)
}

func getVideo(ctx context.Context, q querier, id string) (*models.Video, error) {
	v, err := scanVideo(q.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// List はビデオ一覧を取得（channelIDが空なら全件）
func (r *VideoRepository) List(ctx context.Context, channelID string, limit int) ([]models.Video, error) {
	if limit == 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos
		 WHERE (? = '' OR channel_id = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		channelID, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

// UpdateStatus はビデオのステータスを更新
func (r *VideoRepository) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE videos SET status = ?, updated_at = ? WHERE id = ?`,
		status, millis(time.Now()), id)
	return err
}

// Delete はビデオを削除（チャンク・セグメント・ジョブもカスケード削除）
func (r *VideoRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	return err
}

// rollUpVideoStatus は全チャンクが承認/却下済みならビデオを完了にする
func rollUpVideoStatus(ctx context.Context, q querier, videoID string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE videos SET status = ?, updated_at = ?
		 WHERE id = ? AND NOT EXISTS (
		     SELECT 1 FROM chunks WHERE video_id = ? AND status NOT IN (?, ?)
		 )`,
		models.VideoStatusCompleted, millis(now), videoID, videoID,
		string(models.ChunkApproved), string(models.ChunkRejected))
	if err != nil {
		return fmt.Errorf("failed to roll up video status: %w", err)
	}
	return nil
}

func scanVideo(s rowScanner) (*models.Video, error) {
	var v models.Video
	var createdAt, updatedAt int64
	err := s.Scan(&v.ID, &v.ChannelID, &v.Title, &v.DurationSec, &v.SourcePath, &v.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	v.CreatedAt = fromMillis(createdAt)
	v.UpdatedAt = fromMillis(updatedAt)
	return &v, nil
}
