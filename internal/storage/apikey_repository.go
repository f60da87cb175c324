package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clipfactory/internal/models"
)

// APIKeyRepository はAPIキーの利用状況を永続化する。シークレットは保存しない
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository は新しいAPIKeyRepositoryを作成
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, label, tier, daily_quota, used_count, window_started_at,
	cooldown_until, last_used_at, active, created_at`

// ListAPIKeys は全キーを取得
func (r *APIKeyRepository) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpsertAPIKey は設定されたキーを登録する。既存キーの利用状況と無効化状態は保持し、設定値だけ更新する
func (r *APIKeyRepository) UpsertAPIKey(ctx context.Context, k *models.APIKey) error {
	now := time.Now()
	if k.WindowStartedAt.IsZero() {
		k.WindowStartedAt = now
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     label = excluded.label,
		     tier = excluded.tier,
		     daily_quota = excluded.daily_quota`,
		k.ID, k.Label, k.Tier, k.DailyQuota, k.UsedCount, millis(k.WindowStartedAt),
		nullMillis(k.CooldownUntil), nullMillis(k.LastUsedAt), k.Active, millis(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert api key: %w", err)
	}
	return nil
}

// SaveAPIKey はキーの利用状況を保存
func (r *APIKeyRepository) SaveAPIKey(ctx context.Context, k *models.APIKey) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys
		 SET used_count = ?, window_started_at = ?, cooldown_until = ?, last_used_at = ?, active = ?
		 WHERE id = ?`,
		k.UsedCount, millis(k.WindowStartedAt), nullMillis(k.CooldownUntil), nullMillis(k.LastUsedAt),
		k.Active, k.ID)
	if err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

func scanAPIKey(s rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	var windowStartedAt, createdAt int64
	var cooldownUntil, lastUsedAt sql.NullInt64

	err := s.Scan(&k.ID, &k.Label, &k.Tier, &k.DailyQuota, &k.UsedCount, &windowStartedAt,
		&cooldownUntil, &lastUsedAt, &k.Active, &createdAt)
	if err != nil {
		return nil, err
	}
	k.WindowStartedAt = fromMillis(windowStartedAt)
	k.CooldownUntil = timePtr(cooldownUntil)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.CreatedAt = fromMillis(createdAt)
	return &k, nil
}
