package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every fault the transport can surface into a closed set.
// Outer components branch on kinds, never on message text.
type Kind string

const (
	// KindConnection covers DNS, TCP and TLS failures and peer resets
	// that happen before a response is received.
	KindConnection Kind = "connection_error"

	// KindTimeout covers request deadlines exceeded at any level.
	KindTimeout Kind = "timeout_error"

	// KindAuthentication covers falsy login results and auth-expired
	// reports from the server.
	KindAuthentication Kind = "authentication_error"

	// KindAccess covers server errors whose name designates access
	// control.
	KindAccess Kind = "access_error"

	// KindValidation covers server errors whose name designates
	// validation or constraint violations.
	KindValidation Kind = "validation_error"

	// KindMethodNotFound covers unknown methods and models.
	KindMethodNotFound Kind = "method_not_found_error"

	// KindInternal covers generic server-side failures with a traceback.
	KindInternal Kind = "internal_error"

	// KindProtocol covers malformed envelopes and response id mismatches.
	KindProtocol Kind = "protocol_error"

	// KindNotFound is raised by Get-style terminals when a record does
	// not exist. It never originates from the wire.
	KindNotFound Kind = "not_found_error"

	// KindSerialization covers server-reported serialization and
	// concurrency conflicts. These are retryable and drive the
	// transaction manager's deadlock recovery.
	KindSerialization Kind = "serialization_error"
)

// Error is the typed fault surfaced by the transport and reused by every
// outer component. It carries the classification kind, a human-readable
// message, the optional server traceback, structured call context and the
// attempt number the fault occurred on.
type Error struct {
	Kind      Kind
	Message   string
	Traceback string

	// Name is the raw server-side exception name, when one was reported.
	Name string

	// Model and Method identify the call the error originated from.
	Model  string
	Method string

	// Attempt is the 1-based attempt number set by the retry manager.
	Attempt int

	// Wrapped is the underlying cause, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Model != "" || e.Method != "" {
		fmt.Fprintf(&b, " [%s.%s]", e.Model, e.Method)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches errors by kind, so callers can write
// errors.Is(err, &transport.Error{Kind: transport.KindTimeout}).
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// Retryable reports whether the retry manager may re-issue the failed call.
// Connection faults, timeouts, serialization conflicts and generic internal
// failures are transient; everything else is deterministic.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindSerialization, KindInternal:
		return true
	default:
		return false
	}
}

// WithContext returns a shallow copy annotated with the model and method of
// the originating call.
func (e *Error) WithContext(model, method string) *Error {
	clone := *e
	clone.Model = model
	clone.Method = method
	return &clone
}

// NewError builds an Error of the given kind wrapping an optional cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// AsError unwraps err into a typed transport error. It is a convenience
// wrapper over errors.As for call sites that annotate errors with context.
func AsError(err error, target **Error) bool {
	return errors.As(err, target)
}

// KindOf extracts the kind of err, or KindInternal when err is not a typed
// transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsRetryable reports the retryable hint of err. Untyped errors are treated
// as non-retryable so programming errors are never silently re-issued.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// serverErrorClasses maps server exception name fragments to kinds. The set
// of names a live server emits is not exhaustively documented; keeping the
// table in one place makes a conformance run against a real server a
// one-file change.
var serverErrorClasses = []struct {
	fragment string
	kind     Kind
}{
	{"AccessDenied", KindAccess},
	{"AccessError", KindAccess},
	{"SessionExpired", KindAuthentication},
	{"AuthenticationError", KindAuthentication},
	{"ValidationError", KindValidation},
	{"UserError", KindValidation},
	{"IntegrityError", KindValidation},
	{"except_orm", KindValidation},
	{"MissingError", KindNotFound},
	{"AttributeError", KindMethodNotFound},
	{"KeyError", KindMethodNotFound},
	{"SerializationFailure", KindSerialization},
	{"OperationalError", KindSerialization},
	{"could not serialize", KindSerialization},
}

// classifyServerError maps a server exception name (and message, for the
// handful of servers that only report conflicts in the message) to a kind.
func classifyServerError(name, message string) Kind {
	for _, class := range serverErrorClasses {
		if strings.Contains(name, class.fragment) || strings.Contains(message, class.fragment) {
			return class.kind
		}
	}
	return KindInternal
}
