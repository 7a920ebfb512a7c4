package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Load builds the Config from the environment. The loading sequence is:
//
//  1. Enforce UTC to prevent clock-anchor drift bugs (the delay calculator
//     resolves second-of-minute anchors against the process clock).
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Populate the struct via envconfig tags.
//  4. Validate with go-playground/validator; fail fast on any violation.
func Load() (*Config, error) {
	time.Local = time.UTC

	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: processing environment: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	if !cfg.IsLocal() && cfg.AWS.TaskQueueURL == "" {
		return nil, fmt.Errorf("config: SQS_TASK_QUEUE is required outside local mode")
	}

	return &cfg, nil
}
