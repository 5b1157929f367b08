package config

import (
	"fmt"
	"time"

	"github.com/go-i2p/logger"
)

// minRetryDelay keeps a misconfigured backoff from turning into a busy loop.
const minRetryDelay = time.Millisecond

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg *SessionConfig) error {
	log.WithFields(logger.Fields{
		"at":     "ValidateSessionConfig",
		"reason": "verification_requested",
	}).Debug("validating session configuration")
	if cfg == nil {
		return newValidationError("configuration is nil")
	}
	return runConfigValidators(cfg)
}

// runConfigValidators executes all configuration validators in sequence.
func runConfigValidators(cfg *SessionConfig) error {
	validators := []func() error{
		func() error { return validateRetry("RouteRetry", cfg.RouteRetry) },
		func() error { return validateRetry("SendRetry", cfg.SendRetry) },
		func() error { return validateRetry("LookupRetry", cfg.LookupRetry) },
		func() error { return validateLookup(cfg) },
		func() error { return validateDedup(cfg) },
		func() error { return validateLimits(cfg) },
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "ValidateSessionConfig",
		"reason": "all_validators_passed",
	}).Debug("all configuration validations passed successfully")
	return nil
}

func validateRetry(name string, r RetryConfig) error {
	if r.InitialDelay < minRetryDelay {
		log.WithFields(logger.Fields{
			"at":            "validateRetry",
			"policy":        name,
			"initial_delay": r.InitialDelay,
		}).Error("invalid retry configuration")
		return newValidationError(fmt.Sprintf("%s.InitialDelay must be at least %v", name, minRetryDelay))
	}
	if r.MaxDelay < r.InitialDelay {
		log.WithFields(logger.Fields{
			"at":            "validateRetry",
			"policy":        name,
			"initial_delay": r.InitialDelay,
			"max_delay":     r.MaxDelay,
		}).Error("invalid retry configuration")
		return newValidationError(name + ".MaxDelay must not be lower than InitialDelay")
	}
	if r.MaxAttempts < 1 {
		return newValidationError(name + ".MaxAttempts must be at least 1")
	}
	return nil
}

func validateLookup(cfg *SessionConfig) error {
	if cfg.LookupInterval < 0 {
		return newValidationError("LookupInterval must not be negative")
	}
	if cfg.LookupBurst < 1 {
		return newValidationError("LookupBurst must be at least 1")
	}
	if cfg.SendFailureThreshold < 1 {
		return newValidationError("SendFailureThreshold must be at least 1")
	}
	return nil
}

func validateDedup(cfg *SessionConfig) error {
	if cfg.DedupMaxEntries < 1 {
		log.WithField("dedup_max_entries", cfg.DedupMaxEntries).Error("Invalid dedup configuration")
		return newValidationError("DedupMaxEntries must be at least 1")
	}
	if cfg.DedupRetention < 0 {
		return newValidationError("DedupRetention must not be negative")
	}
	return nil
}

func validateLimits(cfg *SessionConfig) error {
	if cfg.MaxEnvelopeSize < 256 {
		return newValidationError("MaxEnvelopeSize must be at least 256 bytes")
	}
	if cfg.OperationTimeout < time.Second {
		return newValidationError("OperationTimeout must be at least 1 second")
	}
	if cfg.ReleaseTimeout <= 0 {
		return newValidationError("ReleaseTimeout must be positive")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
