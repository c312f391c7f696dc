package config

import (
	"time"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/utils"
)

// Config holds the tunables of the production pipeline.
type Config struct {
	BatchSizeDefault int
	BatchSizeMin     int

	MemoryWarnFrac float64
	MemoryCritFrac float64

	MaxRetries        int
	MaxMotionRetries  int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration

	LockTimeout        time.Duration
	LockAcquireRetries int

	ValidationCacheTTL time.Duration

	CacheTTLNormal         time.Duration
	CacheTTLFrequent       time.Duration
	CacheFrequentThreshold int
	CacheFrequentWindow    time.Duration

	MotionPollInterval time.Duration
	MotionPollTimeout  time.Duration
	MapAttemptTimeout  time.Duration

	MotionPromptText      string
	MotionDurationSeconds int
	MotionRatio           string

	WatermarkKey     string
	WatermarkOpacity float64
}

// FromEnv reads the recognized options, falling back to the documented
// defaults.
func FromEnv(log *logger.Logger) Config {
	return Config{
		BatchSizeDefault: utils.GetEnvAsInt("BATCH_SIZE_DEFAULT", 5, log),
		BatchSizeMin:     utils.GetEnvAsInt("BATCH_SIZE_MIN", 1, log),

		MemoryWarnFrac: utils.GetEnvAsFloat("MEMORY_WARN_FRAC", 0.70, log),
		MemoryCritFrac: utils.GetEnvAsFloat("MEMORY_CRIT_FRAC", 0.80, log),

		MaxRetries:        utils.GetEnvAsInt("MAX_RETRIES", 3, log),
		MaxMotionRetries:  utils.GetEnvAsInt("MAX_MOTION_RETRIES", 3, log),
		InitialRetryDelay: time.Duration(utils.GetEnvAsInt("INITIAL_RETRY_DELAY_MS", 1000, log)) * time.Millisecond,
		MaxRetryDelay:     30 * time.Second,

		LockTimeout:        time.Duration(utils.GetEnvAsInt("LOCK_TIMEOUT_MS", 30*60*1000, log)) * time.Millisecond,
		LockAcquireRetries: 3,

		ValidationCacheTTL: time.Duration(utils.GetEnvAsInt("VALIDATION_CACHE_TTL_MS", 5*60*1000, log)) * time.Millisecond,

		CacheTTLNormal:         time.Duration(utils.GetEnvAsInt("CACHE_TTL_NORMAL_MS", 24*60*60*1000, log)) * time.Millisecond,
		CacheTTLFrequent:       time.Duration(utils.GetEnvAsInt("CACHE_TTL_FREQUENT_MS", 7*24*60*60*1000, log)) * time.Millisecond,
		CacheFrequentThreshold: utils.GetEnvAsInt("CACHE_FREQUENT_THRESHOLD", 5, log),
		CacheFrequentWindow:    7 * 24 * time.Hour,

		MotionPollInterval: time.Duration(utils.GetEnvAsInt("MOTION_POLL_INTERVAL_MS", 10_000, log)) * time.Millisecond,
		MotionPollTimeout:  time.Duration(utils.GetEnvAsInt("MOTION_POLL_TIMEOUT_MS", 10*60*1000, log)) * time.Millisecond,
		MapAttemptTimeout:  time.Duration(utils.GetEnvAsInt("MAP_ATTEMPT_TIMEOUT_MS", 5*60*1000, log)) * time.Millisecond,

		MotionPromptText:      utils.GetEnv("MOTION_PROMPT_TEXT", "Move forward slowly", log),
		MotionDurationSeconds: utils.GetEnvAsInt("MOTION_DURATION_SECONDS", 5, log),
		MotionRatio:           utils.GetEnv("MOTION_RATIO", "768:1280", log),

		WatermarkKey:     utils.GetEnv("WATERMARK_KEY", "assets/watermark/watermark.png", log),
		WatermarkOpacity: utils.GetEnvAsFloat("WATERMARK_OPACITY", 0.5, log),
	}
}
