package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all the application configuration
type Config struct {
	// Edit service (generative image edits)
	EditAPIURL string
	EditAPIKey string
	EditModel  string

	// Ollama (consistency analysis + embeddings)
	OllamaBaseURL string
	OllamaPort    int
	VisionModel   string
	EmbedModel    string

	// Optional session archive; empty disables archiving
	DatabaseURL string

	// Pipeline tuning
	MaxWorkers   int
	EditRateRPS  float64
	WorkDir      string
	OutputFormat string
}

// Load reads .env and validates required variables. Everything except the
// edit service credentials has a working default.
func Load() (*Config, error) {
	// Load .env file (ignore error if file is missing, e.g., in production)
	_ = godotenv.Load()

	cfg := &Config{
		EditAPIURL:    getenv("REFRAME_EDIT_API_URL", "https://api.replicate.com/v1"),
		EditAPIKey:    os.Getenv("REFRAME_EDIT_API_KEY"),
		EditModel:     getenv("REFRAME_EDIT_MODEL", "black-forest-labs/flux-kontext-pro"),
		OllamaBaseURL: getenv("OLLAMA_BASE_URL", "http://localhost"),
		OllamaPort:    getenvInt("OLLAMA_PORT", 11434),
		VisionModel:   getenv("REFRAME_VISION_MODEL", "llama3.2-vision:11b"),
		EmbedModel:    getenv("REFRAME_EMBED_MODEL", "nomic-embed-text"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		MaxWorkers:    getenvInt("REFRAME_MAX_WORKERS", 4),
		EditRateRPS:   getenvFloat("REFRAME_EDIT_RPS", 2),
		WorkDir:       getenv("REFRAME_WORK_DIR", os.TempDir()),
		OutputFormat:  getenv("REFRAME_OUTPUT_FORMAT", "mp4"),
	}

	if cfg.EditAPIKey == "" {
		return nil, fmt.Errorf("CRITICAL: REFRAME_EDIT_API_KEY is missing")
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("REFRAME_MAX_WORKERS must be >= 1, got %d", cfg.MaxWorkers)
	}
	if cfg.EditRateRPS <= 0 {
		return nil, fmt.Errorf("REFRAME_EDIT_RPS must be > 0, got %v", cfg.EditRateRPS)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
