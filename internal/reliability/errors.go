package reliability

import (
	"errors"
	"fmt"
)

// ConfigurationError reports missing or inconsistent operator configuration.
// It is fatal at startup and never retried.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is required", e.Key)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// MissingKey builds the ConfigurationError returned for an absent required key.
func MissingKey(key string) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: "is required but missing or empty"}
}

// BackendConnectionError wraps a transport failure while opening or using the
// backend socket. The session ends; reconnecting is left to the caller.
type BackendConnectionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendConnectionError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendConnectionError) Unwrap() error { return e.Err }

// TransportError reports that writes to one side of a session kept failing.
// Side is "client" or "backend".
type TransportError struct {
	Side string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Side, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolInvocationError is the failure of a single tool call. It is recovered
// locally by returning a failure payload to the model.
type ToolInvocationError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed or unexpected message from either side.
type ProtocolError struct {
	Source string
	Type   string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error from %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("protocol error from %s (%s): %v", e.Source, e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}
