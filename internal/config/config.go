// Package config loads process configuration from the environment and .env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clipfactory/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Service
	Port        string `validate:"required,numeric"`
	ServiceName string `validate:"required"`
	LogLevel    string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat   string `validate:"oneof=json text"`

	// Storage
	DBPath    string `validate:"required"`
	DataDir   string `validate:"required"`
	ExportDir string `validate:"required"`

	// Chunking
	ChunkWindow  float64 `validate:"gt=0"`
	ChunkOverlap float64 `validate:"gte=0,ltfield=ChunkWindow"`

	// Queue and worker
	LeaseDuration     time.Duration `validate:"gt=0"`
	JobMaxAttempts    int           `validate:"min=1"`
	JobBackoffBase    time.Duration `validate:"gt=0"`
	JobRetention      time.Duration `validate:"gt=0"`
	WorkerConcurrency int           `validate:"min=1"`
	WorkerInterval    time.Duration `validate:"gt=0"`
	WorkerMaxIdle     time.Duration `validate:"gt=0"`

	// Transcription
	TranscribeTimeout time.Duration `validate:"gt=0"`
	TranscribeBaseURL string        `validate:"required,url"`
	SourceLanguage    string
	TargetLanguage    string        `validate:"required"`
	KeyCooldown       time.Duration `validate:"gt=0"`
	APIKeys           []models.APIKey
	PrimaryTier       string `validate:"required"`
	EscalationTier    string
	TierModels        map[string]string

	// Tracing (empty endpoint disables)
	OTLPEndpoint string

	// MinIO export sink (empty endpoint writes to ExportDir)
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string `validate:"required_with=MinIOEndpoint"`
	MinIOUseSSL    bool

	// Media
	FFmpegBin  string
	FFprobeBin string
}

// DefaultTierModels maps each key tier to the model it calls.
var DefaultTierModels = map[string]string{
	models.TierEconomy: "gemini-2.0-flash-lite",
	models.TierPremium: "gemini-2.5-pro",
}

var validate = validator.New()

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	// .envファイルを読み込み（存在しない場合はスキップ）
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*Config, error) {
	var errs []string
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "clipfactory"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", "json")),

		DBPath:    getEnv("DB_PATH", "data/clipfactory.db"),
		DataDir:   getEnv("DATA_DIR", "data"),
		ExportDir: getEnv("EXPORT_DIR", "data/exports"),

		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 1),
		JobMaxAttempts:    getEnvAsInt("JOB_MAX_ATTEMPTS", 3),

		TranscribeBaseURL: getEnv("TRANSCRIBE_BASE_URL", "https://generativelanguage.googleapis.com"),
		SourceLanguage:    getEnv("SOURCE_LANGUAGE", ""),
		TargetLanguage:    getEnv("TARGET_LANGUAGE", "en"),
		PrimaryTier:       getEnv("PRIMARY_TIER", models.TierEconomy),
		EscalationTier:    getEnv("ESCALATION_TIER", ""),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnv("MINIO_BUCKET", "clipfactory"),
		MinIOUseSSL:    getEnvAsBool("MINIO_USE_SSL", false),

		FFmpegBin:  getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin: getEnv("FFPROBE_BIN", "ffprobe"),
	}

	var err error
	cfg.ChunkWindow, err = getEnvAsFloat("CHUNK_WINDOW_SEC", 300)
	fail(err)
	cfg.ChunkOverlap, err = getEnvAsFloat("CHUNK_OVERLAP_SEC", 5)
	fail(err)
	cfg.LeaseDuration, err = getEnvAsDuration("LEASE_DURATION", 30*time.Minute)
	fail(err)
	cfg.JobBackoffBase, err = getEnvAsDuration("JOB_BACKOFF_BASE", 10*time.Second)
	fail(err)
	cfg.WorkerInterval, err = getEnvAsDuration("WORKER_INTERVAL", time.Second)
	fail(err)
	cfg.WorkerMaxIdle, err = getEnvAsDuration("WORKER_MAX_IDLE", time.Minute)
	fail(err)
	cfg.TranscribeTimeout, err = getEnvAsDuration("TRANSCRIBE_TIMEOUT", 2*time.Minute)
	fail(err)
	cfg.KeyCooldown, err = getEnvAsDuration("KEY_COOLDOWN", 5*time.Minute)
	fail(err)

	days := getEnvAsInt("JOB_RETENTION_DAYS", 7)
	cfg.JobRetention = time.Duration(days) * 24 * time.Hour

	cfg.APIKeys, err = ParseAPIKeys(getEnv("API_KEYS", ""), cfg.PrimaryTier)
	fail(err)
	cfg.TierModels, err = ParseTierModels(getEnv("TIER_MODELS", ""))
	fail(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseAPIKeys parses a comma list of tier:quota:secret entries. A bare
// secret uses defaultTier and quota 0 (unlimited).
func ParseAPIKeys(s, defaultTier string) ([]models.APIKey, error) {
	var keys []models.APIKey
	for i, entry := range splitList(s) {
		parts := strings.SplitN(entry, ":", 3)
		k := models.APIKey{Tier: defaultTier}
		switch len(parts) {
		case 1:
			k.Secret = parts[0]
		case 3:
			quota, err := strconv.Atoi(parts[1])
			if err != nil || quota < 0 {
				return nil, fmt.Errorf("API_KEYS entry %d: invalid quota %q", i+1, parts[1])
			}
			if parts[0] != "" {
				k.Tier = parts[0]
			}
			k.DailyQuota = quota
			k.Secret = parts[2]
		default:
			return nil, fmt.Errorf("API_KEYS entry %d: want tier:quota:secret", i+1)
		}
		if k.Secret == "" {
			return nil, fmt.Errorf("API_KEYS entry %d: empty secret", i+1)
		}
		k.Label = k.Tier + "-" + strconv.Itoa(i+1)
		keys = append(keys, k)
	}
	return keys, nil
}

// ParseTierModels parses tier=model pairs over DefaultTierModels.
func ParseTierModels(s string) (map[string]string, error) {
	out := make(map[string]string, len(DefaultTierModels))
	for tier, model := range DefaultTierModels {
		out[tier] = model
	}
	for _, entry := range splitList(s) {
		tier, model, ok := strings.Cut(entry, "=")
		if !ok || tier == "" || model == "" {
			return nil, fmt.Errorf("TIER_MODELS: invalid entry %q", entry)
		}
		out[strings.TrimSpace(tier)] = strings.TrimSpace(model)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, valueStr)
	}
	return value, nil
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, valueStr)
	}
	return d, nil
}
