package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{ErrCodeInvalidInput, http.StatusBadRequest},
		{ErrCodeUnauthenticated, http.StatusUnauthorized},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeConflict, http.StatusConflict},
		{ErrCodeConfiguration, http.StatusUnprocessableEntity},
		{ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus())
		})
	}
}

func TestWrapKeepsCodedErrors(t *testing.T) {
	domain := Conflict(ReasonLevelMismatch, "level already processed")
	wrapped := Wrap(fmt.Errorf("tx: %w", domain), ErrCodeInternal, "transaction failed")

	assert.Equal(t, ErrCodeConflict, CodeOf(wrapped))
	assert.True(t, HasReason(wrapped, ReasonLevelMismatch))
}

func TestWrapPlainError(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to load instance")

	require.Error(t, err)
	assert.Equal(t, ErrCodeInternal, CodeOf(err))
	assert.True(t, Is(err, cause))
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
}

func TestCodeOfUncoded(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
	assert.False(t, HasReason(stderrors.New("boom"), ReasonTokenExpired))
}

func TestWithReasonCopies(t *testing.T) {
	base := InvalidInput("comments", "comments are required")
	withReason := base.WithReason(ReasonCommentsRequired)

	assert.Empty(t, base.Reason)
	assert.Equal(t, ReasonCommentsRequired, withReason.Reason)
	assert.Equal(t, "comments", withReason.Field)
}
