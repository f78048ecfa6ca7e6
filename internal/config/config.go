package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"chattered/internal/models"
)

const (
	BackendGenerativeAI = "generative-ai"
	BackendGenAI        = "genai"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Gemini AI
	GeminiAPIKey         string
	ModelBackend         string
	GeminiConcurrentReqs int
	Model                models.ModelConfig

	// Page tokens
	PageTokenSecret string
	PageTokenTTL    time.Duration
	PageIdleTimeout time.Duration

	// Redis (optional, fans view updates out across processes)
	RedisURL string

	// Dispatch
	DispatchWorkers   int
	DispatchQueueSize int
	SubmitRateLimit   int
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		GeminiAPIKey:         mustGetEnv("GEMINI_API_KEY"),
		ModelBackend:         getEnvOrDefault("MODEL_BACKEND", BackendGenerativeAI),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		PageTokenSecret:      getEnvOrDefault("PAGE_TOKEN_SECRET", ""),
		PageTokenTTL:         time.Duration(getEnvAsIntOrDefault("PAGE_TOKEN_TTL_HOURS", 24)) * time.Hour,
		PageIdleTimeout:      time.Duration(getEnvAsIntOrDefault("PAGE_IDLE_MINUTES", 30)) * time.Minute,
		RedisURL:             getEnvOrDefault("REDIS_URL", ""),
		DispatchWorkers:      getEnvAsIntOrDefault("DISPATCH_WORKERS", 5),
		DispatchQueueSize:    getEnvAsIntOrDefault("DISPATCH_QUEUE_SIZE", 64),
		SubmitRateLimit:      getEnvAsIntOrDefault("SUBMIT_RATE_LIMIT", 0),
	}

	switch cfg.ModelBackend {
	case BackendGenerativeAI, BackendGenAI:
	default:
		panic(fmt.Sprintf("unknown MODEL_BACKEND %q", cfg.ModelBackend))
	}

	model, err := LoadModelConfig(os.Getenv("MODEL_CONFIG_FILE"))
	if err != nil {
		panic(err.Error())
	}
	if name := os.Getenv("GEMINI_MODEL"); name != "" {
		model.Model = name
	}
	cfg.Model = model

	if cfg.PageTokenSecret == "" {
		cfg.PageTokenSecret = randomSecret()
	}

	return cfg
}

// LoadModelConfig reads generation and safety settings from a TOML file. An
// empty path yields the defaults; keys missing from the file keep theirs.
func LoadModelConfig(path string) (models.ModelConfig, error) {
	cfg := models.DefaultModelConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return models.ModelConfig{}, fmt.Errorf("failed to read model config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return models.ModelConfig{}, fmt.Errorf("unknown keys in model config %s: %s", path, strings.Join(keys, ", "))
	}
	for i, s := range cfg.Safety {
		if s.Category == "" || s.Threshold == "" {
			return models.ModelConfig{}, fmt.Errorf("safety setting %d in %s needs both category and threshold", i, path)
		}
	}
	return cfg, nil
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate page token secret: %v", err))
	}
	return hex.EncodeToString(b)
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
