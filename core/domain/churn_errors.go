package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// Classifier gateway
	ErrTransientRemote = errors.New("transient remote error")
	ErrPermanentRemote = errors.New("permanent remote error")

	// Classifier output
	ErrInvalidSentimentValue = errors.New("invalid sentiment value")
	ErrInvalidConfidence     = errors.New("invalid confidence")
	ErrUnknownTopic          = errors.New("unknown topic")
	ErrMalformedResponse     = errors.New("malformed model response")

	// Pipeline
	ErrDuplicateTrigger          = errors.New("risk card already open for ticket")
	ErrExternalSourceUnavailable = errors.New("external ticket source unavailable")
	ErrImportInProgress          = errors.New("import already in progress for tenant")
	ErrIntegrationNotFound       = errors.New("ticket source integration not configured")
	ErrAnalysisConflict          = errors.New("ticket analysis changed concurrently")

	// State machines
	ErrInvalidRuleTransition = errors.New("invalid rule transition")
	ErrInvalidCardTransition = errors.New("invalid risk card transition")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// AnalysisFailedError is the single error shape the classifier returns.
// Err carries the class (transient, permanent, invalid output).
type AnalysisFailedError struct {
	TicketID uuid.UUID
	Reason   string
	Err      error
}

func (e *AnalysisFailedError) Error() string {
	return fmt.Sprintf("analysis failed for ticket %s: %s: %v", e.TicketID, e.Reason, e.Err)
}

func (e *AnalysisFailedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err belongs to the transient remote class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientRemote)
}

// IsInvalidOutput reports whether err came from validating model output.
func IsInvalidOutput(err error) bool {
	return errors.Is(err, ErrInvalidSentimentValue) ||
		errors.Is(err, ErrInvalidConfidence) ||
		errors.Is(err, ErrMalformedResponse)
}
