package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate checks that a loaded Config satisfies the `validate` struct tags
// declared on Config and its nested sections.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("%d validation error(s): %w", len(verrs), verrs)
		}
		return err
	}

	if cfg.Pool.MinWorkers > cfg.Pool.MaxWorkers {
		return fmt.Errorf("pool.min_workers (%d) cannot exceed pool.max_workers (%d)",
			cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	}

	return nil
}
