// Package mcp exposes the knowledge base to AI clients over the Model Context
// Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// Custom MCP error codes.
const (
	ErrCodeSourceNotFound  = -32001
	ErrCodeEmbeddingFailed = -32002
	ErrCodeTimeout         = -32003

	// Standard JSON-RPC error codes.
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError is an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors. Messages never carry
// store or provider details.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	switch kberrors.GetCode(err) {
	case kberrors.ErrCodeSourceNotFound:
		return &MCPError{Code: ErrCodeSourceNotFound, Message: "Source not found."}
	case kberrors.ErrCodeQueryEmpty:
		return NewInvalidParamsError("query cannot be empty or whitespace only")
	}

	switch kberrors.GetCategory(err) {
	case kberrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: "Invalid parameters."}
	case kberrors.CategoryEmbedding:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: "Embedding service unavailable. Try again later."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}
