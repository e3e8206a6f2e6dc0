package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// The engine's page arithmetic requires a power-of-two page size and
	// whole pages per transaction.
	if ps := cfg.Engine.PageSize; ps&(ps-1) != 0 {
		return fmt.Errorf("engine.page_size: %d is not a power of two", ps)
	}
	if cfg.Engine.FlushBatchSize%cfg.Engine.PageSize != 0 {
		return fmt.Errorf("engine.flush_batch_size: %d is not a multiple of page_size %d",
			cfg.Engine.FlushBatchSize, cfg.Engine.PageSize)
	}
	if cfg.Engine.MaxFileSize < cfg.Engine.PageSize {
		return fmt.Errorf("engine.max_file_size: %d is smaller than one page", cfg.Engine.MaxFileSize)
	}

	if cfg.Store.Type == "badger" && cfg.Store.Badger.Path == "" {
		return fmt.Errorf("store.badger.path: required when store.type is badger")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
