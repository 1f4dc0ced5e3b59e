package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
)

type Config struct {
	Port  string
	Debug bool

	DatabaseURL      string
	SQLitePath       string
	SessionCacheSize int
	MigrationsPath   string

	UploadDir string
	ImageS3   media.S3Config

	Gemini     ModelConfig
	MedGemma27 ModelConfig
	MedGemma4  ModelConfig
	LLM        LLMLimits

	ClassifierURL string

	TelegramToken  string
	DoctorChatID   int64
	ReportFontPath string
}

// ModelConfig addresses one text-generation endpoint. URL is empty for Gemini.
type ModelConfig struct {
	URL    string
	APIKey string
	Name   string
}

type LLMLimits struct {
	RPS         float64
	Burst       int
	MaxAttempts int
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             normalizePort(firstNonEmpty(env("PORT"), "8000")),
		Debug:            boolEnv("DEBUG", false),
		DatabaseURL:      env("DATABASE_URL"),
		SQLitePath:       env("SQLITE_PATH"),
		SessionCacheSize: intEnv("SESSION_CACHE_SIZE", 256),
		MigrationsPath:   firstNonEmpty(env("MIGRATIONS_PATH"), "migrations"),
		UploadDir:        firstNonEmpty(env("UPLOAD_DIR"), "uploads"),
		ImageS3: media.S3Config{
			Endpoint:  env("IMAGE_S3_ENDPOINT"),
			Region:    firstNonEmpty(env("IMAGE_S3_REGION"), "us-east-1"),
			AccessKey: firstNonEmpty(env("IMAGE_S3_ACCESS_KEY"), env("MINIO_ROOT_USER")),
			SecretKey: firstNonEmpty(env("IMAGE_S3_SECRET_KEY"), env("MINIO_ROOT_PASSWORD")),
			Bucket:    firstNonEmpty(env("IMAGE_S3_BUCKET"), "genial-uploads"),
			UseSSL:    boolEnv("IMAGE_S3_USE_SSL", true),
		},
		Gemini: ModelConfig{
			APIKey: env("GEMINI_API_KEY"),
			Name:   firstNonEmpty(env("GEMINI_MODEL"), "gemini-2.5-flash"),
		},
		MedGemma27: ModelConfig{
			URL:    env("MEDGEMMA_27_URL"),
			APIKey: env("MEDGEMMA_27_API_KEY"),
			Name:   firstNonEmpty(env("MEDGEMMA_27_NAME"), "google/medgemma-27b-text-it"),
		},
		MedGemma4: ModelConfig{
			URL:    env("MEDGEMMA_4_URL"),
			APIKey: env("MEDGEMMA_4_API_KEY"),
			Name:   firstNonEmpty(env("MEDGEMMA_4_NAME"), "google/medgemma-4b-it"),
		},
		ClassifierURL: env("MEDAI_URL"),
		LLM: LLMLimits{
			RPS:         floatEnv("LLM_RPS", 2),
			Burst:       intEnv("LLM_BURST", 4),
			MaxAttempts: intEnv("LLM_MAX_ATTEMPTS", 3),
		},
		TelegramToken:  env("TELEGRAM_BOT_TOKEN"),
		DoctorChatID:   int64Env("DOCTOR_CHAT_ID", 0),
		ReportFontPath: env("REPORT_FONT_PATH"),
	}
	return cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func normalizePort(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), ":")
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolEnv(key string, def bool) bool {
	v, err := strconv.ParseBool(env(key))
	if err != nil {
		return def
	}
	return v
}

func intEnv(key string, def int) int {
	v, err := strconv.Atoi(env(key))
	if err != nil {
		return def
	}
	return v
}

func int64Env(key string, def int64) int64 {
	v, err := strconv.ParseInt(env(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func floatEnv(key string, def float64) float64 {
	v, err := strconv.ParseFloat(env(key), 64)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
