package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// maxParallelCeiling bounds the worker pool regardless of configuration.
const maxParallelCeiling = 8

// Config holds all application configuration, loaded from environment
// variables with defaults.
//
// Environment Variables:
//
// Backend:
// - SERVICE_TYPE: translation backend identifier (default: localai)
// - LLM_API_URL: OpenAI-compatible endpoint URL (default: http://localhost:8080/v1)
// - LLM_API_KEY: API key (optional for local backends)
// - LLM_MODEL: model name (default: gpt-4o-mini)
// - LLM_MAX_TOKENS: max completion tokens, 0 = provider default
// - LLM_TEMPERATURE: sampling temperature (default: 0.2)
// - REQUEST_TIMEOUT: per-request HTTP timeout in seconds (default: 15)
//
// Translation:
// - MAX_PARALLEL_TRANSLATIONS: worker pool size (default: 1, ceiling 8)
// - USE_BATCH_TRANSLATION: batch mode toggle (default: true)
// - MAX_BATCH_SIZE: lines per batch call, 0 = unbounded (default: 180)
// - BATCH_RETRY_MODE: immediate | deferred (default: deferred)
// - MAX_BATCH_SPLIT_ATTEMPTS: halving depth in immediate mode (default: 3)
// - REPAIR_CONTEXT_RADIUS: context lines around deferred repairs (default: 10)
// - REPAIR_MAX_RETRIES: per-gap repair attempts (default: 1)
// - CONTEXT_BEFORE / CONTEXT_AFTER: untranslated context lines per call (default: 0)
// - MAX_RETRIES: per-line retry cap (default: 20)
// - RETRY_DELAY: base retry delay in seconds (default: 120)
// - RETRY_DELAY_MULTIPLIER: backoff multiplier (default: 1)
// - STRIP_SUBTITLE_FORMATTING: strip markup before translating (default: false)
// - INTEGRITY_VALIDATION_ENABLED: cue-count check on results (default: false)
//
// Library:
// - SOURCE_LANGUAGES / TARGET_LANGUAGES: JSON arrays of {code,name}
// - SUBTITLE_EXTRACTION_MODE: on_demand | extract_all (default: on_demand)
// - USE_SUBTITLE_TAGGING: tag generated sidecars (default: false)
// - SUBTITLE_TAG: the filename tag (default: [subtrackd])
// - INDEX_SCHEDULE / TRANSLATE_SCHEDULE: cron specs for the two passes
// - INVENTORY_URL / INVENTORY_API_KEY: media-manager API
// - DB_PATH: sqlite database location (default: /config/subtrackd.db)
type Config struct {
	ServiceType string
	LLM         LLMConfig

	MaxParallelTranslations int
	UseBatchTranslation     bool
	MaxBatchSize            int
	BatchRetryMode          string
	MaxBatchSplitAttempts   int
	RepairContextRadius     int
	RepairMaxRetries        int
	ContextBefore           int
	ContextAfter            int
	MaxRetries              int
	RetryDelay              time.Duration
	RetryDelayMultiplier    float64

	StripSubtitleFormatting    bool
	IntegrityValidationEnabled bool

	SourceLanguages []model.LanguageOption
	TargetLanguages []model.LanguageOption

	SubtitleExtractionMode string
	UseSubtitleTagging     bool
	SubtitleTag            string

	IndexSchedule     string
	TranslateSchedule string

	InventoryURL    string
	InventoryAPIKey string

	DBPath string
}

// LLMConfig mirrors the backend connection settings.
type LLMConfig struct {
	APIURL      string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     int
}

// NewFromEnv builds the configuration from the environment.
func NewFromEnv() (*Config, error) {
	cfg := &Config{
		ServiceType: getEnvString("SERVICE_TYPE", "localai"),
		LLM: LLMConfig{
			APIURL:      getEnvString("LLM_API_URL", "http://localhost:8080/v1"),
			APIKey:      getEnvString("LLM_API_KEY", ""),
			Model:       getEnvString("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 0),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.2),
			Timeout:     getEnvInt("REQUEST_TIMEOUT", 15),
		},
		MaxParallelTranslations: getEnvInt("MAX_PARALLEL_TRANSLATIONS", 1),
		UseBatchTranslation:     getEnvBool("USE_BATCH_TRANSLATION", true),
		MaxBatchSize:            getEnvInt("MAX_BATCH_SIZE", 180),
		BatchRetryMode:          getEnvString("BATCH_RETRY_MODE", "deferred"),
		MaxBatchSplitAttempts:   getEnvInt("MAX_BATCH_SPLIT_ATTEMPTS", 3),
		RepairContextRadius:     getEnvInt("REPAIR_CONTEXT_RADIUS", 10),
		RepairMaxRetries:        getEnvInt("REPAIR_MAX_RETRIES", 1),
		ContextBefore:           getEnvInt("CONTEXT_BEFORE", 0),
		ContextAfter:            getEnvInt("CONTEXT_AFTER", 0),
		MaxRetries:              getEnvInt("MAX_RETRIES", 20),
		RetryDelay:              time.Duration(getEnvInt("RETRY_DELAY", 120)) * time.Second,
		RetryDelayMultiplier:    getEnvFloat("RETRY_DELAY_MULTIPLIER", 1),

		StripSubtitleFormatting:    getEnvBool("STRIP_SUBTITLE_FORMATTING", false),
		IntegrityValidationEnabled: getEnvBool("INTEGRITY_VALIDATION_ENABLED", false),

		SubtitleExtractionMode: getEnvString("SUBTITLE_EXTRACTION_MODE", "on_demand"),
		UseSubtitleTagging:     getEnvBool("USE_SUBTITLE_TAGGING", false),
		SubtitleTag:            getEnvString("SUBTITLE_TAG", "[subtrackd]"),

		IndexSchedule:     getEnvString("INDEX_SCHEDULE", "*/30 * * * *"),
		TranslateSchedule: getEnvString("TRANSLATE_SCHEDULE", "*/5 * * * *"),

		InventoryURL:    getEnvString("INVENTORY_URL", ""),
		InventoryAPIKey: getEnvString("INVENTORY_API_KEY", ""),

		DBPath: getEnvString("DB_PATH", "/config/subtrackd.db"),
	}

	var err error
	if cfg.SourceLanguages, err = parseLanguages(os.Getenv("SOURCE_LANGUAGES")); err != nil {
		return nil, fmt.Errorf("parse SOURCE_LANGUAGES: %w", err)
	}
	if cfg.TargetLanguages, err = parseLanguages(os.Getenv("TARGET_LANGUAGES")); err != nil {
		return nil, fmt.Errorf("parse TARGET_LANGUAGES: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxParallelTranslations < 1 {
		c.MaxParallelTranslations = 1
	}
	if c.MaxParallelTranslations > maxParallelCeiling {
		log.Warn("MAX_PARALLEL_TRANSLATIONS %d capped at %d", c.MaxParallelTranslations, maxParallelCeiling)
		c.MaxParallelTranslations = maxParallelCeiling
	}
	switch c.BatchRetryMode {
	case "immediate", "deferred":
	default:
		return fmt.Errorf("BATCH_RETRY_MODE must be immediate or deferred, got %q", c.BatchRetryMode)
	}
	switch c.SubtitleExtractionMode {
	case "on_demand", "extract_all":
	default:
		return fmt.Errorf("SUBTITLE_EXTRACTION_MODE must be on_demand or extract_all, got %q", c.SubtitleExtractionMode)
	}
	if c.RetryDelayMultiplier < 1 {
		c.RetryDelayMultiplier = 1
	}
	return nil
}

func parseLanguages(raw string) ([]model.LanguageOption, error) {
	if raw == "" {
		return nil, nil
	}
	var out []model.LanguageOption
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("invalid integer for %s: %q, using %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn("invalid float for %s: %q, using %g", key, v, def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn("invalid boolean for %s: %q, using %t", key, v, def)
		return def
	}
	return b
}
