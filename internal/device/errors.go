package device

import (
	"errors"
	"fmt"
)

// LifecycleState represents the specific kind of lifecycle failure.
type LifecycleState string

const (
	AlreadyConnecting     LifecycleState = "already_connecting"
	AlreadyConnected      LifecycleState = "already_connected"
	AlreadyDisconnected   LifecycleState = "already_disconnected"
	ConnectionFailed      LifecycleState = "connection_failed"
	NotFound              LifecycleState = "not_found"
	MissingCharacteristic LifecycleState = "missing_characteristic"
	ConfigurationFailed   LifecycleState = "configuration_failed"
)

// LifecycleError represents any failure of a public lifecycle
// operation. All internal failures are converted to LifecycleError
// values at the Connect/Disconnect boundary; none escape as panics.
type LifecycleError struct {
	State LifecycleState
	Msg   string
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare LifecycleError values by State.
func (e *LifecycleError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LifecycleError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for lifecycle states.
var (
	// ErrAlreadyConnecting is transient: a Connect attempt is already
	// in flight on this slot; no second claim was started.
	ErrAlreadyConnecting = &LifecycleError{State: AlreadyConnecting}

	// ErrAlreadyConnected marks a Connect on a slot that already holds
	// a claim. The existing claim is kept; callers wanting a fresh one
	// disconnect first.
	ErrAlreadyConnected = &LifecycleError{State: AlreadyConnected}

	// ErrAlreadyDisconnected marks an idempotent Disconnect on an
	// unclaimed slot.
	ErrAlreadyDisconnected = &LifecycleError{State: AlreadyDisconnected}

	// ErrConnectionFailed is transient: discovery or the claim itself
	// failed; retry or let the reconnect policy handle it.
	ErrConnectionFailed = &LifecycleError{State: ConnectionFailed}

	// ErrNotFound is transient: no device matching the address was
	// claimed before the deadline.
	ErrNotFound = &LifecycleError{State: NotFound}

	// ErrMissingCharacteristic is structural: the claimed device lacks
	// a mandatory characteristic, i.e. it is not the expected device
	// type or firmware. Never retried automatically.
	ErrMissingCharacteristic = &LifecycleError{State: MissingCharacteristic}

	// ErrConfigurationFailed covers any other configure-time failure;
	// the device is released and the failure is not retried by the
	// connect path itself.
	ErrConfigurationFailed = &LifecycleError{State: ConfigurationFailed}
)

// IsLifecycleState reports whether err is a LifecycleError with the
// given state.
func IsLifecycleState(err error, state LifecycleState) bool {
	var lerr *LifecycleError
	if errors.As(err, &lerr) {
		return lerr.State == state
	}
	return false
}
