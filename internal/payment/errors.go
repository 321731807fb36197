package payment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies gateway failures. Business declines are not errors.
type ErrorKind string

const (
	KindTransport     ErrorKind = "transport"
	KindAuth          ErrorKind = "auth"
	KindConfiguration ErrorKind = "configuration"
	KindVerification  ErrorKind = "verification"
	KindUnsupported   ErrorKind = "unsupported"
	KindInvalid       ErrorKind = "invalid_request"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrTransport     = errors.New("payment: transport failure")
	ErrAuth          = errors.New("payment: processor rejected credentials")
	ErrConfiguration = errors.New("payment: gateway misconfigured")
	ErrVerification  = errors.New("payment: webhook verification failed")
	ErrUnsupported   = errors.New("payment: unsupported currency and method combination")
	ErrInvalid       = errors.New("payment: invalid request")
)

// ErrMalformedEvent is returned when a verified webhook body cannot be decoded.
var ErrMalformedEvent = errors.New("payment: malformed webhook event")

// Error is the typed gateway error. Its message never includes credentials or
// raw processor bodies.
type Error struct {
	Kind       ErrorKind
	Gateway    string
	Op         string
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("payment")
	if e.Gateway != "" {
		b.WriteString(": ")
		b.WriteString(e.Gateway)
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return target == e.sentinel()
}

// Retryable reports whether the caller may try again later. Only transport
// failures qualify; a charge must be resolved with GetStatus, not re-sent.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindTransport
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindTransport:
		return ErrTransport
	case KindAuth:
		return ErrAuth
	case KindConfiguration:
		return ErrConfiguration
	case KindVerification:
		return ErrVerification
	case KindUnsupported:
		return ErrUnsupported
	case KindInvalid:
		return ErrInvalid
	default:
		return nil
	}
}

// KindOf returns the kind of a wrapped *Error, or empty.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func newError(kind ErrorKind, gateway, op, code, message string, cause error) *Error {
	return &Error{Kind: kind, Gateway: gateway, Op: op, Code: code, Message: message, Err: cause}
}

func configError(gateway, message string) *Error {
	return newError(KindConfiguration, gateway, "configure", "", message, nil)
}

func unsupportedError(gateway, currency string, method MethodKind) *Error {
	return newError(KindUnsupported, gateway, "select", "unsupported_combination",
		fmt.Sprintf("no gateway supports %s via %s", currency, method), nil)
}

func invalidError(gateway, op, message string) *Error {
	return newError(KindInvalid, gateway, op, "invalid_request", message, nil)
}

func malformedEvent(gateway string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", gateway, ErrMalformedEvent)
	}
	return fmt.Errorf("%s: %w: %v", gateway, ErrMalformedEvent, cause)
}

// withGateway attaches the adapter name to errors surfaced through the manager.
func withGateway(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Gateway == "" {
			pe.Gateway = name
		}
		return err
	}
	return fmt.Errorf("%s: %w", name, err)
}
