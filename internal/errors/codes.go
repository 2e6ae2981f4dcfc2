// Package errors provides structured error handling for vitalkb.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 2XX: Store errors (chunk and embedding persistence)
//   - 3XX: Embedding and vector search errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryStore indicates persistence errors.
	CategoryStore Category = "STORE"
	// CategoryEmbedding indicates embedding service and vector search errors.
	CategoryEmbedding Category = "EMBEDDING"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal aborts the current operation.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the caller can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Store errors (200-299)
	ErrCodeStoreWrite = "ERR_201_STORE_WRITE"
	ErrCodeStoreRead  = "ERR_202_STORE_READ"

	// Embedding errors (300-399)
	ErrCodeEmbeddingService = "ERR_301_EMBEDDING_SERVICE"
	ErrCodeVectorSearch     = "ERR_302_VECTOR_SEARCH"

	// Validation errors (400-499)
	ErrCodeInvalidInput           = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch      = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeEmbeddingCountMismatch = "ERR_403_EMBEDDING_COUNT_MISMATCH"
	ErrCodeQueryEmpty             = "ERR_404_QUERY_EMPTY"
	ErrCodeSourceNotFound         = "ERR_405_SOURCE_NOT_FOUND"

	// Internal errors (500-599)
	ErrCodeInternal   = "ERR_501_INTERNAL"
	ErrCodeLockFailed = "ERR_502_LOCK_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "201" from "ERR_201_STORE_WRITE"
	switch code[4] {
	case '2':
		return CategoryStore
	case '3':
		return CategoryEmbedding
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreWrite, ErrCodeEmbeddingCountMismatch:
		return SeverityFatal
	case ErrCodeVectorSearch:
		// Vector search failures degrade to lexical-only results.
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingService, ErrCodeVectorSearch:
		return true
	default:
		return false
	}
}
