// Package errors provides error classification for the real-time pipeline.
// Errors are grouped into three classes that drive handling policy:
// transient errors may be retried, invalid errors mean the input is bad and
// retrying is pointless, fatal errors mean the component must stop.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass describes how an error should be handled.
type ErrorClass int

const (
	// ErrorTransient errors are temporary and safe to retry.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid errors indicate bad input; retrying will not help.
	ErrorInvalid
	// ErrorFatal errors require the component to stop.
	ErrorFatal
)

// String returns the lowercase name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors shared across the pipeline. Components wrap these with
// Wrap* to add context rather than defining their own variants.
var (
	// Lifecycle
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrStopTimeout    = errors.New("component stop timed out")

	// Configuration and input
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidData    = errors.New("invalid data")
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrMissingField   = errors.New("required field missing")
	ErrUnknownChannel = errors.New("unknown channel")

	// Transport
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrReconnectFailed   = errors.New("reconnect attempts exhausted")

	// Capacity
	ErrQueueFull   = errors.New("queue full")
	ErrRateLimited = errors.New("rate limited")
)

// ClassifiedError attaches a class and call-site context to an error.
type ClassifiedError struct {
	Class     ErrorClass
	Component string
	Method    string
	Action    string
	Err       error
}

// Error formats as "component.method: action failed: cause".
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s.%s: %s failed: %v", e.Component, e.Method, e.Action, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WrapTransient wraps err as a transient error with call-site context.
func WrapTransient(err error, component, method, action string) error {
	return wrap(err, ErrorTransient, component, method, action)
}

// WrapInvalid wraps err as an invalid-input error with call-site context.
func WrapInvalid(err error, component, method, action string) error {
	return wrap(err, ErrorInvalid, component, method, action)
}

// WrapFatal wraps err as a fatal error with call-site context.
func WrapFatal(err error, component, method, action string) error {
	return wrap(err, ErrorFatal, component, method, action)
}

// Wrap classifies err automatically and adds call-site context.
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return wrap(err, Classify(err), component, method, action)
}

func wrap(err error, class ErrorClass, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Component: component,
		Method:    method,
		Action:    action,
		Err:       err,
	}
}

// Classify determines the class of an arbitrary error. Classified errors keep
// their class; known sentinels map to their class; context errors are
// transient; anything else falls back to message heuristics.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorInvalid
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionTimeout),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorTransient
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrInvalidData),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, ErrMissingField),
		errors.Is(err, ErrUnknownChannel):
		return ErrorInvalid
	case errors.Is(err, ErrStopTimeout),
		errors.Is(err, ErrReconnectFailed):
		return ErrorFatal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "temporar"),
		strings.Contains(msg, "unavailable"):
		return ErrorTransient
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "missing"):
		return ErrorInvalid
	default:
		return ErrorFatal
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorTransient
}

// IsInvalid reports whether err indicates bad input.
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

// IsFatal reports whether err requires shutdown.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}
