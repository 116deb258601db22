// Package errors provides standardized error handling for beer-garden
// components. It includes error classification, standard error variables,
// and helper functions for consistent wrapping across the system.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for handling and surfacing purposes.
type Kind int

const (
	// KindTransient represents temporary errors that may be retried.
	KindTransient Kind = iota
	// KindValidation represents malformed input, schema mismatch, unknown
	// command, or choice violation. Never retried.
	KindValidation
	// KindNotFound represents a missing entity.
	KindNotFound
	// KindConflict represents a uniqueness violation.
	KindConflict
	// KindAuthRequired represents missing credentials.
	KindAuthRequired
	// KindForbidden represents insufficient credentials.
	KindForbidden
	// KindTokenExpired represents an expired refresh or access token.
	KindTokenExpired
	// KindTokenInvalid represents a malformed or revoked token.
	KindTokenInvalid
	// KindRoutingUnavailable represents an unknown or unreachable target
	// garden.
	KindRoutingUnavailable
	// KindFatal represents unrecoverable configuration or startup errors.
	KindFatal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthRequired:
		return "auth_required"
	case KindForbidden:
		return "forbidden"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenInvalid:
		return "token_invalid"
	case KindRoutingUnavailable:
		return "routing_unavailable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind to the HTTP status code the API layer emits.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired, KindTokenExpired, KindTokenInvalid:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRoutingUnavailable:
		return http.StatusBadGateway
	case KindTransient:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Standard error variables for common conditions.
var (
	// Lifecycle errors
	ErrAlreadyStarted = stderrors.New("component already started")
	ErrNotStarted     = stderrors.New("component not started")
	ErrShuttingDown   = stderrors.New("component is shutting down")

	// Connection and broker errors
	ErrNoConnection      = stderrors.New("no connection available")
	ErrConnectionLost    = stderrors.New("connection lost")
	ErrConnectionTimeout = stderrors.New("connection timeout")
	ErrQueueNotFound     = stderrors.New("queue not found")

	// Entity errors
	ErrNotFound         = stderrors.New("entity not found")
	ErrConflict         = stderrors.New("entity already exists")
	ErrInvalidStatus    = stderrors.New("invalid status transition")
	ErrUnknownSystem    = stderrors.New("unknown system")
	ErrUnknownCommand   = stderrors.New("unknown command")
	ErrUnknownGarden    = stderrors.New("unknown garden")
	ErrUnknownInstance  = stderrors.New("unknown instance")
	ErrGardenOffline    = stderrors.New("garden not reachable")
	ErrChoiceViolation  = stderrors.New("value not in allowed choices")
	ErrMissingParameter = stderrors.New("required parameter missing")

	// Token errors
	ErrTokenExpired = stderrors.New("token expired")
	ErrTokenInvalid = stderrors.New("token invalid")

	// Configuration errors
	ErrInvalidConfig = stderrors.New("invalid configuration")
	ErrMissingConfig = stderrors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification and the component
// context where it arose.
type ClassifiedError struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// KindOf returns the classification of err. Unclassified errors are checked
// against the sentinel variables; anything still unknown defaults to
// transient so callers may retry.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case stderrors.Is(err, ErrNotFound),
		stderrors.Is(err, ErrQueueNotFound),
		stderrors.Is(err, ErrUnknownSystem),
		stderrors.Is(err, ErrUnknownCommand),
		stderrors.Is(err, ErrUnknownInstance):
		return KindNotFound
	case stderrors.Is(err, ErrConflict):
		return KindConflict
	case stderrors.Is(err, ErrInvalidStatus),
		stderrors.Is(err, ErrChoiceViolation),
		stderrors.Is(err, ErrMissingParameter):
		return KindValidation
	case stderrors.Is(err, ErrUnknownGarden),
		stderrors.Is(err, ErrGardenOffline):
		return KindRoutingUnavailable
	case stderrors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case stderrors.Is(err, ErrTokenInvalid):
		return KindTokenInvalid
	case stderrors.Is(err, ErrInvalidConfig),
		stderrors.Is(err, ErrMissingConfig):
		return KindFatal
	case stderrors.Is(err, ErrConnectionLost),
		stderrors.Is(err, ErrConnectionTimeout),
		stderrors.Is(err, ErrNoConnection),
		stderrors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	// Heuristic fallback for errors from third-party transports.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable", "busy"} {
		if strings.Contains(errStr, pattern) {
			return KindTransient
		}
	}
	return KindTransient
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// IsTransient checks if an error is transient and should be retried.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsNotFound checks if an error represents a missing entity.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsConflict checks if an error represents a uniqueness violation.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsValidation checks if an error represents invalid input.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsFatal checks if an error is fatal and should abort startup.
func IsFatal(err error) bool { return err != nil && KindOf(err) == KindFatal }

// IsRoutingUnavailable checks if an error represents an unreachable garden.
func IsRoutingUnavailable(err error) bool {
	return err != nil && KindOf(err) == KindRoutingUnavailable
}

// newClassified creates a new classified error. Internal helper; use the
// Wrap* functions instead.
func newClassified(kind Kind, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with an explicit classification and context.
func WrapKind(kind Kind, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(kind, wrapped, component, method, wrapped.Error())
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return WrapKind(KindTransient, err, component, method, action)
}

// WrapValidation wraps an error as a validation failure with context.
func WrapValidation(err error, component, method, action string) error {
	return WrapKind(KindValidation, err, component, method, action)
}

// WrapNotFound wraps an error as a missing-entity failure with context.
func WrapNotFound(err error, component, method, action string) error {
	return WrapKind(KindNotFound, err, component, method, action)
}

// WrapConflict wraps an error as a uniqueness violation with context.
func WrapConflict(err error, component, method, action string) error {
	return WrapKind(KindConflict, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return WrapKind(KindFatal, err, component, method, action)
}

// WrapRouting wraps an error as a routing failure with context.
func WrapRouting(err error, component, method, action string) error {
	return WrapKind(KindRoutingUnavailable, err, component, method, action)
}

// New creates a classified error from a message without an underlying cause.
func New(kind Kind, component, method, message string) error {
	return newClassified(kind, stderrors.New(message), component, method,
		fmt.Sprintf("%s.%s: %s", component, method, message))
}
