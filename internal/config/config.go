package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string        `env:"DATABASE_URL" envDefault:"chat_history.db"`
	HTTPPort    string        `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"INFO"`
	JWTSecret   string        `env:"JWT_SECRET,required"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Optional LLM fallback for messages the canned table doesn't know.
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash-latest"`

	FrontendDir string `env:"FRONTEND_BUILD_OUTPUT_DIR"`
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := Parse()
	if err != nil {
		log.Fatalf("Failed to parse config: %v", err)
	}
	AppConfig = cfg
}

// Parse reads the configuration from the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("TOKEN_TTL must be positive, got %s", cfg.TokenTTL)
	}
	return cfg, nil
}

func (c Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}
