package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// StoreErrorMessage describes checkpoint store failures.
	StoreErrorMessage = "state store operation failed"
	// ServiceUnavailableMessage is shown when an upstream model or API fails.
	ServiceUnavailableMessage = "the analysis service is temporarily unavailable, please try again later"
	// VisionParseMessage is shown when the image analysis output cannot be read.
	VisionParseMessage = "could not read the image analysis result, please try another photo"
	// NoComponentsMessage is shown when no food component was detected.
	NoComponentsMessage = "no food components were detected in the image"
	// BusyMessage is shown when a conversation is still processing a previous request.
	BusyMessage = "this conversation is still processing a previous message, please try again"
	// SafetyRejectionMessage is the fallback when the classifier gave no reason.
	SafetyRejectionMessage = "the image does not appear to show safe, edible food"
)

// Kind classifies an AppError for routing and user-facing messages.
type Kind string

const (
	KindInternal           Kind = "internal"
	KindSafetyRejection    Kind = "safety_rejection"
	KindVisionParse        Kind = "vision_parse"
	KindNoComponents       Kind = "no_components"
	KindExternalService    Kind = "external_service"
	KindConcurrencyTimeout Kind = "concurrency_timeout"
	KindNotFound           Kind = "not_found"
)

var (
	// ErrSafetyRejection marks an image judged not-food, hazardous, or low-confidence.
	ErrSafetyRejection = errors.New("safety rejection")
	// ErrVisionParse marks detection output that could not be parsed after repair.
	ErrVisionParse = errors.New("vision parse error")
	// ErrNoComponents marks an enrichment run with nothing to enrich.
	ErrNoComponents = errors.New("no components")
	// ErrConcurrencyTimeout marks a thread lock that could not be acquired in time.
	ErrConcurrencyTimeout = errors.New("concurrency timeout")
)

// AppError wraps an underlying error with an HTTP status, a kind and a safe message.
type AppError struct {
	Err     error
	Status  int
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether the target matches the underlying error.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Kind:    KindInternal,
		Message: message,
	}
}

// SafetyRejection builds the user-visible rejection for an unsafe or non-food image.
// The classifier's reason becomes the message.
func SafetyRejection(reason string) *AppError {
	if reason == "" {
		reason = SafetyRejectionMessage
	}
	return &AppError{
		Err:     ErrSafetyRejection,
		Status:  http.StatusUnprocessableEntity,
		Kind:    KindSafetyRejection,
		Message: reason,
	}
}

// VisionParse wraps the final parse failure of the detection output.
func VisionParse(err error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: %v", ErrVisionParse, err),
		Status:  http.StatusBadGateway,
		Kind:    KindVisionParse,
		Message: VisionParseMessage,
	}
}

// NoComponents reports an empty detection.
func NoComponents() *AppError {
	return &AppError{
		Err:     ErrNoComponents,
		Status:  http.StatusUnprocessableEntity,
		Kind:    KindNoComponents,
		Message: NoComponentsMessage,
	}
}

// ExternalService wraps a failure talking to a model, the nutrition API or a store.
func ExternalService(service string, err error) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%s: %w", service, err),
		Status:  http.StatusBadGateway,
		Kind:    KindExternalService,
		Message: ServiceUnavailableMessage,
	}
}

// ConcurrencyTimeout reports a thread lock that could not be acquired.
func ConcurrencyTimeout(threadID string) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%w: thread %s", ErrConcurrencyTimeout, threadID),
		Status:  http.StatusConflict,
		Kind:    KindConcurrencyTimeout,
		Message: BusyMessage,
	}
}

// KindOf returns the kind of the first AppError in the chain.
// Context cancellation and deadlines count as external service failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindExternalService
	}
	return KindInternal
}

// PublicMessage returns the concise, non-technical text safe to show a user.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ServiceUnavailableMessage
	}
	return SystemErrorMessage
}
