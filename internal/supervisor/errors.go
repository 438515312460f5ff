package supervisor

import (
	"fmt"
	"time"
)

// ConfigError indicates a provider configuration was rejected before any
// process was launched.
type ConfigError struct {
	ProviderID string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.ProviderID, e.Reason)
}

// ProviderUnavailableError is returned when an invocation targets a provider
// that is not currently able to serve calls.
type ProviderUnavailableError struct {
	ProviderID string
	Reason     string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q unavailable: %s", e.ProviderID, e.Reason)
}

// TimeoutError is returned when a tool invocation exceeds its deadline.
type TimeoutError struct {
	ProviderID string
	Tool       string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q on provider %q timed out after %s", e.Tool, e.ProviderID, e.Timeout)
}

// RemoteError wraps a failure reported by the provider process itself.
type RemoteError struct {
	ProviderID string
	Tool       string
	Code       int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %q on provider %q failed (code %d): %s", e.Tool, e.ProviderID, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %q on provider %q failed: %s", e.Tool, e.ProviderID, e.Message)
}
