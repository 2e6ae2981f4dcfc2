package errors

import (
	stderrors "errors"
	"fmt"
)

// KBError is the structured error type for vitalkb.
type KBError struct {
	// Code is the unique error code (e.g., "ERR_201_STORE_WRITE").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, typically the store or HTTP error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for CLI users.
	Suggestion string
}

// Error implements the error interface.
func (e *KBError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KBError) Unwrap() error {
	return e.Cause
}

// Is matches by code so errors.Is(err, errors.New(code, "", nil)) works.
func (e *KBError) Is(target error) bool {
	if t, ok := target.(*KBError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *KBError) WithDetail(key, value string) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *KBError) WithSuggestion(suggestion string) *KBError {
	e.Suggestion = suggestion
	return e
}

// New creates a KBError. Category, severity and retryable flag are derived
// from the code.
func New(code string, message string, cause error) *KBError {
	return &KBError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a KBError from an existing error, reusing its message.
func Wrap(code string, err error) *KBError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// StoreWriteError reports a failed insert or delete. The store's own message
// is carried in Cause.
func StoreWriteError(message string, cause error) *KBError {
	return New(ErrCodeStoreWrite, message, cause)
}

// StoreReadError reports a failed select or search.
func StoreReadError(message string, cause error) *KBError {
	return New(ErrCodeStoreRead, message, cause)
}

// EmbeddingServiceError reports an unreachable or failing embedding provider.
func EmbeddingServiceError(message string, cause error) *KBError {
	return New(ErrCodeEmbeddingService, message, cause).
		WithSuggestion("Check that the embedding provider is running and the model is available")
}

// VectorSearchError reports a failed similarity search. Callers log it and
// continue with lexical results.
func VectorSearchError(message string, cause error) *KBError {
	return New(ErrCodeVectorSearch, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *KBError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *KBError {
	return New(ErrCodeInternal, message, cause)
}

// as finds the first KBError in the chain.
func as(err error) (*KBError, bool) {
	var ke *KBError
	if err == nil || !stderrors.As(err, &ke) {
		return nil, false
	}
	return ke, true
}

// IsRetryable reports whether any KBError in the chain is retryable.
func IsRetryable(err error) bool {
	ke, ok := as(err)
	return ok && ke.Retryable
}

// IsFatal reports whether the first KBError in the chain is fatal.
func IsFatal(err error) bool {
	ke, ok := as(err)
	return ok && ke.Severity == SeverityFatal
}

// GetCode extracts the error code, or "" when err carries no KBError.
func GetCode(err error) string {
	if ke, ok := as(err); ok {
		return ke.Code
	}
	return ""
}

// GetCategory extracts the category, or "" when err carries no KBError.
func GetCategory(err error) Category {
	if ke, ok := as(err); ok {
		return ke.Category
	}
	return ""
}
