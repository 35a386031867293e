// Package errors provides the error taxonomy shared by the relay pool, the
// subscription manager, the correlator and the substitution engine.
// It includes error classification, standard error variables, and helper
// functions for consistent error wrapping across the module.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
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

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClosed         = errors.New("closed")

	// Connectivity errors
	ErrRelayUnreachable   = errors.New("relay unreachable")
	ErrNotConnected       = errors.New("relay not connected")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")

	// Publish errors. ErrNoRelayAccepted is the one class that propagates
	// out of the engine to the caller that asked for the publish.
	ErrNoRelayAccepted = errors.New("no relay accepted the event")
	ErrEventRejected   = errors.New("event rejected by relay")

	// Input errors
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnknownTarget     = errors.New("unknown target")
	ErrNoDiscriminator   = errors.New("no discriminator for target")
	ErrInvalidNode       = errors.New("invalid document node")
	ErrUnknownAction     = errors.New("unknown action")

	// Call lifecycle errors
	ErrCallTimeout   = errors.New("call timed out")
	ErrCallCancelled = errors.New("call cancelled")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Sentinels that imply a class when an error was never wrapped with one
var (
	transientSentinels = []error{
		ErrConnectionTimeout, ErrRelayUnreachable, ErrNotConnected, ErrNoRelayAccepted,
		context.DeadlineExceeded, context.Canceled,
	}
	fatalSentinels   = []error{ErrInvalidConfig, ErrMissingConfig}
	invalidSentinels = []error{ErrInvalidFilter, ErrInvalidArguments, ErrInvalidEvent, ErrMalformedResponse}

	transientWords = []string{"timeout", "connection", "network", "temporary", "unavailable"}
)

// explicitClass returns the class of the outermost ClassifiedError in err's chain
func explicitClass(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying. Explicit classification
// wins; otherwise known sentinels and common network wording count.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, transientSentinels) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, word := range transientWords {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, fatalSentinels)
}

// IsInvalid reports whether err was caused by bad input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := explicitClass(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, invalidSentinels)
}

// Classify returns the class of err. Unknown errors are transient so
// callers may retry them.
func Classify(err error) ErrorClass {
	switch {
	case err == nil, IsTransient(err):
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: <err>"
// without classifying the error
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as fatal
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as invalid input
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
