package config

import (
	"errors"
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
// Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation that cannot be expressed in tags.
func validateCustomRules(cfg *Config) error {
	if !cfg.Adapters.SDB.Enabled {
		return errors.New("adapters: at least one adapter must be enabled")
	}

	// A read reply carries the data plus framing; clients use the same
	// message limit as the server.
	if cfg.Storage.MaxReadSize > uint64(cfg.Adapters.SDB.MaxMessageSize) {
		return fmt.Errorf("storage.max_read_size (%d) exceeds adapters.sdb.max_message_size (%d)",
			cfg.Storage.MaxReadSize, cfg.Adapters.SDB.MaxMessageSize)
	}

	if cfg.Metrics.Port == cfg.Adapters.SDB.Port {
		return fmt.Errorf("metrics.port and adapters.sdb.port must differ (both %d)", cfg.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
