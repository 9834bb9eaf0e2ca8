package storage

import (
	"errors"
	"fmt"
)

// ErrRoleNotFound is wrapped by every store when a referenced role does not
// exist yet. Reconciliation treats it as skippable.
var ErrRoleNotFound = errors.New("role not found")

// ConfigurationError reports a declaration that conflicts with persisted
// state, such as a role id already bound to a different name.
type ConfigurationError struct {
	Entity string
	Key    string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %q: %s", e.Entity, e.Key, e.Detail)
}

// NewConfigurationError builds a ConfigurationError with a formatted detail.
func NewConfigurationError(entity, key, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Entity: entity,
		Key:    key,
		Detail: fmt.Sprintf(format, args...),
	}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
