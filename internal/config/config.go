// Package config loads process configuration from the environment,
// mirroring the getEnv-with-fallback idiom the gateway and worker both use.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the orchestrator's external
// interface contract. Fields left at zero value when the corresponding
// env var and default both resolve to "unset" (DATABASE_URL, AMQP_URL,
// REDIS_URL) select an in-memory/no-op fallback at wiring time.
type Config struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	QueueWaitTimeout    time.Duration
	MinNotesThreshold  int
	ConfidenceThreshold float64
	MaxContentLength   int
	MaxNotesPerWorkflow int
	PerTaskFanoutLimit  int
	MaxTagsPerContent  int
	MaxExistingTags    int
	CacheMaxEntries    int
	CacheTTL           time.Duration
	TaskRetentionTTL   time.Duration

	AIMaxRetries  int
	AIRetryBase   time.Duration

	ModelEndpointURL string
	ModelAPIKey      string
	OCRModelName     string
	CorrectionModelName string
	SummaryModelName string
	TagModelName     string

	DatabaseURL string
	AMQPURL     string
	RedisURL    string
}

// Load reads .env (if present, via godotenv; when absent this is logged
// and otherwise ignored) then resolves every variable from the process
// environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded (%v), relying on process environment", err)
	}

	return Config{
		MaxConcurrentTasks:  envInt("MAX_CONCURRENT_TASKS", 10),
		TaskTimeout:         envSeconds("TASK_TIMEOUT_S", 300),
		QueueWaitTimeout:    envSeconds("QUEUE_WAIT_TIMEOUT_S", 30),
		MinNotesThreshold:   envInt("MIN_NOTES_THRESHOLD", 3),
		ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 0.60),
		MaxContentLength:    envInt("MAX_CONTENT_LENGTH", 2000),
		MaxNotesPerWorkflow: envInt("MAX_NOTES_PER_WORKFLOW", 64),
		PerTaskFanoutLimit:  envInt("PER_TASK_FANOUT_LIMIT", 4),
		MaxTagsPerContent:   envInt("MAX_TAGS_PER_CONTENT", 5),
		MaxExistingTags:     envInt("MAX_EXISTING_TAGS", 200),
		CacheMaxEntries:     envInt("CACHE_MAX_ENTRIES", 10000),
		CacheTTL:            envSeconds("CACHE_TTL_S", 86400),
		TaskRetentionTTL:    envSeconds("TASK_RETENTION_TTL_S", 3600),

		AIMaxRetries: envInt("AI_MAX_RETRIES", 3),
		AIRetryBase:  envSeconds("AI_RETRY_BASE_S", 1),

		ModelEndpointURL:    os.Getenv("MODEL_ENDPOINT_URL"),
		ModelAPIKey:         os.Getenv("MODEL_API_KEY"),
		OCRModelName:        envString("OCR_MODEL_NAME", "qwen2.5-vl-72b-instruct"),
		CorrectionModelName: envString("CORRECTION_MODEL_NAME", "deepseek-v3"),
		SummaryModelName:    envString("SUMMARY_MODEL_NAME", "kimi-k2-instruct"),
		TagModelName:        envString("TAG_MODEL_NAME", "kimi-k2-instruct"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid float for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return f
}

func envSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(key, fallbackSeconds)) * time.Second
}
