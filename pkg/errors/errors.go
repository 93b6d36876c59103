package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies how a failure propagates out of a peer session.
type Kind string

const (
	// KindProtocolIgnorable covers messages that do not apply to this peer,
	// e.g. an answer delivered to a viewer. Dropped, narrated at debug level.
	KindProtocolIgnorable Kind = "PROTOCOL_IGNORABLE"
	// KindRecoverableTransient covers a single failed candidate or a lost
	// send; negotiation continues.
	KindRecoverableTransient Kind = "RECOVERABLE_TRANSIENT"
	// KindNegotiationFatal covers rejected or malformed session descriptions.
	KindNegotiationFatal Kind = "NEGOTIATION_FATAL"
	// KindTransportFatal covers reachability reported as failed.
	KindTransportFatal Kind = "TRANSPORT_FATAL"
	// KindStartupFatal covers configuration that prevents a session from
	// being created at all.
	KindStartupFatal Kind = "STARTUP_FATAL"
	KindInternal     Kind = "INTERNAL"
)

// AppError is an error with a taxonomy kind and optional context.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Fatal reports whether the error ends the negotiation.
func (e *AppError) Fatal() bool {
	switch e.Kind {
	case KindNegotiationFatal, KindTransportFatal, KindStartupFatal:
		return true
	default:
		return false
	}
}

func New(kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

func Wrap(err error, kind Kind, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

func NewNegotiationFatal(err error, step string) *AppError {
	return Wrap(err, KindNegotiationFatal, step+" failed").WithContext("step", step)
}

func NewTransportFatal(state string) *AppError {
	return New(KindTransportFatal, "transport reachability "+state).WithContext("state", state)
}

func NewStartupFatal(err error) *AppError {
	return Wrap(err, KindStartupFatal, "cannot start peer session")
}

func NewRecoverable(err error, message string) *AppError {
	return Wrap(err, KindRecoverableTransient, message)
}

func NewIgnorable(message string) *AppError {
	return New(KindProtocolIgnorable, message)
}

// GetAppError extracts the first AppError from the error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// KindOf returns the kind of the first AppError in the chain, or KindInternal.
func KindOf(err error) Kind {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Kind
	}
	return KindInternal
}

func IsFatal(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Fatal()
}
