package domain

import "fmt"

// NotFoundError is returned for read misses; callers may treat it as empty.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ConflictError signals a state violation, e.g. approving a revoked device.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// ErrDuplicateMAC is returned by register_pending when the MAC already
// belongs to a non-revoked device.
var ErrDuplicateMAC = &ConflictError{Reason: "duplicate_mac"}

// ErrDuplicateDeviceID is returned when a caller-suggested device ID
// collides with an existing row.
var ErrDuplicateDeviceID = &ConflictError{Reason: "duplicate_device_id"}

// ErrCapabilityAbsent is the Conflict value for an operation whose
// capability (Switch Adapter, Honeypot Ingestor) is absent (§9). No
// operation in this module returns it: the startup probe only logs a
// failure and nothing records or checks the result.
var ErrCapabilityAbsent = &ConflictError{Reason: "capability_absent"}

// AttestationFailedError wraps one of the enumerable attestation failure
// reasons (§4.2).
type AttestationFailedError struct {
	Reason AttestationFailureReason
}

func (e *AttestationFailedError) Error() string {
	return "attestation failed: " + string(e.Reason)
}

// ErrSwitchUnavailable indicates the Switch Adapter has exceeded its
// disconnect/queue tolerance (§4.11).
var ErrSwitchUnavailable = fmt.Errorf("switch unavailable")

// SwitchRuleRejectedError is returned when the switch rejects a rule
// install outright (not a transient failure).
type SwitchRuleRejectedError struct {
	Reason string
}

func (e *SwitchRuleRejectedError) Error() string {
	return "switch rejected rule: " + e.Reason
}

// StorageError wraps an underlying persistence failure.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %v", e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// ConfigError is fatal on startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Key, e.Reason)
}

// TransientError is retried internally at its origin and must never surface
// to the Management API.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// PolicyViolationError is returned when an administrative action is refused.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string { return "policy violation: " + e.Reason }
