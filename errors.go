package credits

import (
	"errors"
	"fmt"

	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/provider"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("credits: not found")
	ErrAlreadyExists = errors.New("credits: already exists")
	ErrInvalidInput  = errors.New("credits: invalid input")

	// Account errors
	ErrAccountNotFound     = errors.New("credits: account not found")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrInvalidAmount       = errors.New("credits: amount must be positive")
	ErrInvalidCreditType   = credit.ErrInvalidType
	ErrEntryNotFound       = errors.New("credits: transaction entry not found")

	// Checkout errors
	ErrSessionNotFound      = errors.New("credits: checkout session not found")
	ErrPaymentNotCompleted  = errors.New("credits: payment not completed")
	ErrAlreadyCompleted     = errors.New("credits: checkout session already completed")
	ErrSessionExpired       = errors.New("credits: checkout session expired")
	ErrPaymentFailed        = errors.New("credits: payment failed")
	ErrSettlementInProgress = errors.New("credits: settlement in progress")
	ErrPackageNotFound      = errors.New("credits: credit package not found")

	// Provider errors
	ErrProviderNotConfigured = provider.ErrNotConfigured
	ErrWebhookInvalid        = provider.ErrWebhookInvalid

	// Store errors
	ErrStoreClosed     = errors.New("credits: store is closed")
	ErrMigrationFailed = errors.New("credits: migration failed")

	// Cache errors
	ErrCacheMiss = errors.New("credits: cache miss")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "credits: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("credits: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsExpected returns true for business outcomes a caller should branch on
// rather than report as a fault.
func IsExpected(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrPaymentNotCompleted) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrPaymentFailed) ||
		errors.Is(err, ErrSettlementInProgress) ||
		errors.Is(err, ErrAlreadyCompleted)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPaymentNotCompleted) ||
		errors.Is(err, ErrSettlementInProgress)
}

// IsConfiguration returns true if the error is caused by missing or
// invalid setup rather than by the request.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrProviderNotConfigured) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrMigrationFailed)
}
