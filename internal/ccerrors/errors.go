// Package ccerrors defines the control plane's machine-readable error
// taxonomy. Service methods report the failures they detect as an *Error
// whose Kind is one of the constants below, so callers at the HTTP/tool
// boundary can map failures to stable codes without parsing messages.
// Errors from the store or other libraries can pass through unwrapped.
package ccerrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Validation            Kind = "VALIDATION"
	AuthN                 Kind = "AUTHN"
	AuthZDenied           Kind = "AUTHZ_DENIED"
	DeviceNotFound        Kind = "DEVICE_NOT_FOUND"
	EnvironmentMismatch   Kind = "ENVIRONMENT_MISMATCH"
	CapabilityDenied      Kind = "CAPABILITY_DENIED"
	DeviceUnreachable     Kind = "DEVICE_UNREACHABLE"
	PlanNotFound          Kind = "PLAN_NOT_FOUND"
	PlanStateConflict     Kind = "PLAN_STATE_CONFLICT"
	ApprovalExpired       Kind = "APPROVAL_EXPIRED"
	ApprovalTokenInvalid  Kind = "APPROVAL_TOKEN_INVALID"
	SelfApproval          Kind = "SELF_APPROVAL"
	JobNotFound           Kind = "JOB_NOT_FOUND"
	JobStateConflict      Kind = "JOB_STATE_CONFLICT"
	RetriesExhausted      Kind = "RETRIES_EXHAUSTED"
	RollbackNotEnabled    Kind = "ROLLBACK_NOT_ENABLED"
	NoPreviousState       Kind = "NO_PREVIOUS_STATE"
	Decryption            Kind = "DECRYPTION"
	EncryptionKeyInsecure Kind = "ENCRYPTION_KEY_INSECURE"
)

// Error is the wrapped, machine-readable error type returned by every
// service boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, target) report true when target is an *Error
// of the same Kind, whatever its message or cause. A bare Kind is not an
// error value; compare kinds with KindOf.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a fresh *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying an underlying cause for %w-unwrapping.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *ccerrors.Error,
// otherwise "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) a *ccerrors.Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
