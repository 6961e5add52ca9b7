package tenant

import (
	"errors"
	"fmt"
)

// Base error definitions for tenant resolution and configuration.
var (
	ErrConfigInvalid     = errors.New("invalid tenant configuration")
	ErrTenantDuplicate   = errors.New("duplicate tenant id")
	ErrCredentialMissing = errors.New("credential missing")
	ErrTenantRequired    = errors.New("tenant required")
	ErrTenantUnknown     = errors.New("tenant unknown")
	ErrTenantDisabled    = errors.New("tenant disabled")
	ErrPoolExhausted     = errors.New("connection pool exhausted")
	ErrRegistryClosed    = errors.New("tenant registry closed")
)

// ConfigError reports a specific invalid field in the tenants document.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid tenant configuration: %s: %s", e.Field, e.Reason)
}

// Is makes ConfigError match ErrConfigInvalid in errors.Is chains.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
