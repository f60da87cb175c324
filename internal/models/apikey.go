package models

import "time"

// APIKey は外部APIのクレデンシャル枠。削除せず無効化のみ
type APIKey struct {
	ID              string     `json:"id"`
	Label           string     `json:"label"`
	Tier            string     `json:"tier"`
	DailyQuota      int        `json:"daily_quota"`
	UsedCount       int        `json:"used_count"`
	WindowStartedAt time.Time  `json:"window_started_at"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`

	// Secret is never persisted or serialized.
	Secret string `json:"-"`
}

// キーのティア
const (
	TierEconomy = "economy"
	TierPremium = "premium"
)
