package providers

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown service name.
var ErrNotFound = errors.New("service not found")

// ValidationError reports an unknown action or a bad parameter. It is
// surfaced to the caller before any state changes.
type ValidationError struct {
	Service string
	Action  string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %s", e.Service, e.Reason)
	}
	return fmt.Sprintf("%s/%s: %s", e.Service, e.Action, e.Reason)
}

// PermissionError reports rejected credentials or missing scopes.
type PermissionError struct {
	Service string
	Err     error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v", e.Service, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ChannelSetupError reports a failed remote subscribe call. No channel
// is persisted when it occurs.
type ChannelSetupError struct {
	Service string
	Err     error
}

func (e *ChannelSetupError) Error() string {
	return fmt.Sprintf("%s: channel setup failed: %v", e.Service, e.Err)
}

func (e *ChannelSetupError) Unwrap() error { return e.Err }
