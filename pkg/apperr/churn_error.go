package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"churn_server/core/domain"
)

const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeBadRequest        = "BAD_REQUEST"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeNotFound          = "NOT_FOUND"
	CodeAlreadyExists     = "ALREADY_EXISTS"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeImportInProgress  = "IMPORT_IN_PROGRESS"
	CodeAnalysisConflict  = "ANALYSIS_CONFLICT"
	CodeNotConfigured     = "INTEGRATION_NOT_CONFIGURED"
	CodeSourceUnavailable = "SOURCE_UNAVAILABLE"
	CodeAnalysisFailed    = "ANALYSIS_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeTimeout           = "TIMEOUT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// StatusClientClosedRequest is the nginx convention for a request the caller abandoned.
const StatusClientClosedRequest = 499

// AppError is an error with an HTTP rendering.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, http.StatusUnauthorized)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *AppError {
	return New(CodeInvalidInput, fmt.Sprintf("invalid input for '%s': %s", field, reason), http.StatusBadRequest).
		WithDetail("field", field)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func Internal(err error) *AppError {
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

// domainMapping is checked in order; the first errors.Is match wins.
var domainMapping = []struct {
	target  error
	code    string
	message string
	status  int
}{
	{domain.ErrNotFound, CodeNotFound, "resource not found", http.StatusNotFound},
	{domain.ErrInvalidInput, CodeInvalidInput, "invalid input", http.StatusBadRequest},
	{domain.ErrAlreadyExists, CodeAlreadyExists, "resource already exists", http.StatusConflict},
	{domain.ErrInvalidCardTransition, CodeInvalidTransition, "risk card transition not allowed", http.StatusConflict},
	{domain.ErrInvalidRuleTransition, CodeInvalidTransition, "only pending rules can be reviewed", http.StatusConflict},
	{domain.ErrImportInProgress, CodeImportInProgress, "an import is already running for this tenant", http.StatusConflict},
	{domain.ErrAnalysisConflict, CodeAnalysisConflict, "ticket was re-analyzed concurrently, retry", http.StatusConflict},
	{domain.ErrIntegrationNotFound, CodeNotConfigured, "no ticket source is connected", http.StatusUnprocessableEntity},
	{domain.ErrExternalSourceUnavailable, CodeSourceUnavailable, "ticket source unavailable", http.StatusBadGateway},
	{domain.ErrTransientRemote, CodeAnalysisFailed, "classifier temporarily unavailable", http.StatusBadGateway},
	{domain.ErrPermanentRemote, CodeAnalysisFailed, "classifier rejected the request", http.StatusBadGateway},
	{context.DeadlineExceeded, CodeTimeout, "operation timed out", http.StatusGatewayTimeout},
	{context.Canceled, CodeCancelled, "request cancelled", StatusClientClosedRequest},
}

// From converts any error into an AppError. Existing AppErrors pass through,
// known domain errors get their HTTP mapping, everything else is a 500.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, m := range domainMapping {
		if errors.Is(err, m.target) {
			return Wrap(err, m.code, m.message, m.status)
		}
	}
	if domain.IsInvalidOutput(err) {
		return Wrap(err, CodeAnalysisFailed, "classifier returned an unusable answer", http.StatusBadGateway)
	}
	return Internal(err)
}
