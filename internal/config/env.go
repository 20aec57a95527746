package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string

	// PdfBucket holds the uploaded source files; ChunkBucket holds the
	// transient chunk blobs written between the two pipeline stages.
	PdfBucket   string
	ChunkBucket string

	EmbedProvider string // "cohere" or "gemini"
	CohereAPIKey  string
	GeminiAPIKey  string
	EmbedModel    string
	EmbedDim      int

	ChunkSize    int
	ChunkOverlap int
	BatchSize    int

	WorkerCount  int
	PollInterval time.Duration

	JWTSecret string
	Port      string
}

// LoadConfig loads the environment variables and returns the config.
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		PdfBucket:    getEnv("PDF_BUCKET", "feuille-pdfs"),
		ChunkBucket:  getEnv("CHUNK_BUCKET", "feuille-chunks"),

		EmbedProvider: getEnv("EMBED_PROVIDER", "cohere"),
		CohereAPIKey:  getEnv("COHERE_API_KEY", ""),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		EmbedModel:    getEnv("EMBED_MODEL", ""),
		EmbedDim:      getEnvInt("EMBED_DIM", 1024),

		ChunkSize:    getEnvInt("CHUNK_SIZE", 500),
		ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 50),
		BatchSize:    getEnvInt("BATCH_SIZE", 50),

		WorkerCount:  getEnvInt("WORKER_COUNT", 2),
		PollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),

		JWTSecret: getEnv("JWT_SECRET", ""),
		Port:      getEnv("PORT", "8080"),
	}

	// The model default depends on the provider, so it resolves after both
	// variables are read.
	if cfg.EmbedModel == "" {
		if cfg.EmbedProvider == "gemini" {
			cfg.EmbedModel = "text-embedding-004"
		} else {
			cfg.EmbedModel = "embed-multilingual-v3.0"
		}
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}
