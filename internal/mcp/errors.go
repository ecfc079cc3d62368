package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

// JSON-RPC and CPM-specific MCP error codes.
const (
	ErrCodeRetrievalNoPacket = -32001
	ErrCodeRetrievalNoIndex  = -32002
	ErrCodeEmbeddingFailed   = -32003
	ErrCodeTimeout           = -32004
	ErrCodeOciDenied         = -32005

	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors, preferring the
// structured cpmerrors.Error taxonomy when present.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var cpmErr *cpmerrors.Error
	if errors.As(err, &cpmErr) {
		return mapCPMError(cpmErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "request was canceled"}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "internal server error"}
	}
}

// mapCPMError maps a structured cpmerrors.Error to its MCP wire code.
func mapCPMError(e *cpmerrors.Error) *MCPError {
	switch e.Code {
	case cpmerrors.ErrCodeRetrievalNoPacket:
		return &MCPError{Code: ErrCodeRetrievalNoPacket, Message: e.Message}
	case cpmerrors.ErrCodeRetrievalNoIndex:
		return &MCPError{Code: ErrCodeRetrievalNoIndex, Message: e.Message}
	case cpmerrors.ErrCodeEmbeddingUnavailable, cpmerrors.ErrCodeEmbedUpstream, cpmerrors.ErrCodeEmbedBadRequest,
		cpmerrors.ErrCodeDimMismatch, cpmerrors.ErrCodeNonFiniteVector, cpmerrors.ErrCodeRetrievalMismatch:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: e.Message}
	case cpmerrors.ErrCodeOciPolicyDenied, cpmerrors.ErrCodeOciAuthRequired:
		return &MCPError{Code: ErrCodeOciDenied, Message: e.Message}
	case cpmerrors.ErrCodeOciRateLimited, cpmerrors.ErrCodeOciUpstreamUnavail:
		return &MCPError{Code: ErrCodeTimeout, Message: e.Message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: e.Message}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown methods/tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("tool '%s' not found", name)}
}
