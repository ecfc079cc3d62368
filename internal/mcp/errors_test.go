package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cpm-dev/cpm/internal/cpmerrors"
)

func TestMapError_Nil(t *testing.T) {
	assert.Nil(t, MapError(nil))
}

func TestMapError_CPMErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{cpmerrors.ErrCodeRetrievalNoPacket, ErrCodeRetrievalNoPacket},
		{cpmerrors.ErrCodeRetrievalNoIndex, ErrCodeRetrievalNoIndex},
		{cpmerrors.ErrCodeRetrievalMismatch, ErrCodeEmbeddingFailed},
		{cpmerrors.ErrCodeEmbeddingUnavailable, ErrCodeEmbeddingFailed},
		{cpmerrors.ErrCodeOciPolicyDenied, ErrCodeOciDenied},
		{cpmerrors.ErrCodeOciRateLimited, ErrCodeTimeout},
		{cpmerrors.ErrCodeInternal, ErrCodeInternalError},
	}
	for _, c := range cases {
		err := cpmerrors.New(c.code, "boom", nil)
		got := MapError(err)
		assert.Equal(t, c.want, got.Code, "code %s", c.code)
		assert.Equal(t, "boom", got.Message)
	}
}

func TestMapError_ContextErrors(t *testing.T) {
	assert.Equal(t, ErrCodeTimeout, MapError(context.DeadlineExceeded).Code)
	assert.Equal(t, ErrCodeTimeout, MapError(context.Canceled).Code)
}

func TestMapError_UnknownErrorIsInternal(t *testing.T) {
	got := MapError(errors.New("mystery"))
	assert.Equal(t, ErrCodeInternalError, got.Code)
}

func TestNewInvalidParamsError(t *testing.T) {
	err := NewInvalidParamsError("bad input")
	assert.Equal(t, ErrCodeInvalidParams, err.Code)
	assert.Equal(t, "bad input", err.Message)
}

func TestNewMethodNotFoundError(t *testing.T) {
	err := NewMethodNotFoundError("frobnicate")
	assert.Equal(t, ErrCodeMethodNotFound, err.Code)
	assert.Contains(t, err.Message, "frobnicate")
}
