// Package apperror defines the typed errors shared by the quota, subscription
// and gate packages. Handlers inspect them with errors.As.
package apperror

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports malformed input that never reaches storage.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewValidation(field, code, message string) error {
	return &ValidationError{Field: field, Code: code, Message: message}
}

// NotFoundError reports a missing record. Subscription lookups treat it as the
// free tier instead of surfacing it.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// QuotaExceededError carries the remaining allowance and the next reset.
type QuotaExceededError struct {
	Reason           string
	Tier             string
	RemainingDaily   int64
	RemainingMonthly int64
	ResetAt          time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

// RetryAfter returns the whole seconds until the reset, never below one.
func (e *QuotaExceededError) RetryAfter(now time.Time) int64 {
	secs := int64(e.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

// FeatureNotAvailableError is returned by fail-closed entitlement checks.
// UpgradeTo names the lowest tier that unlocks the capability.
type FeatureNotAvailableError struct {
	Feature   string
	Tier      string
	UpgradeTo string
}

func (e *FeatureNotAvailableError) Error() string {
	if e.Feature == "" {
		return fmt.Sprintf("tier %s does not meet the required tier %s", e.Tier, e.UpgradeTo)
	}
	return fmt.Sprintf("feature %s is not available on tier %s", e.Feature, e.Tier)
}

// SignatureVerificationError rejects a billing event before any processing.
type SignatureVerificationError struct {
	Err error
}

func (e *SignatureVerificationError) Error() string {
	if e.Err == nil {
		return "signature verification failed"
	}
	return "signature verification failed: " + e.Err.Error()
}

func (e *SignatureVerificationError) Unwrap() error { return e.Err }

// EventProcessingError wraps a failure while applying a verified event.
type EventProcessingError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *EventProcessingError) Error() string {
	return fmt.Sprintf("process event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *EventProcessingError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsSignature(err error) bool {
	var target *SignatureVerificationError
	return errors.As(err, &target)
}
