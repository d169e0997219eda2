package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIncludesInternal(t *testing.T) {
	err := Wrap(stdErrors.New("boom"), "failed")
	require.Equal(t, "failed: boom", err.Error())
}

func TestWithInternalCopiesAndStillMatches(t *testing.T) {
	with := ErrNoSession.WithInternal(stdErrors.New("user 42"))

	require.NotSame(t, ErrNoSession, with)
	require.Nil(t, ErrNoSession.Internal)
	require.ErrorIs(t, with, ErrNoSession)
	require.ErrorIs(t, fmt.Errorf("route: %w", with), ErrNoSession)
	require.NotErrorIs(t, with, ErrGatewayTimeout)
}

func TestFromError(t *testing.T) {
	require.Same(t, ErrNotFound, FromError(ErrNotFound))
	require.Nil(t, FromError(nil))

	out := FromError(stdErrors.New("raw"))
	require.Equal(t, ErrInternalServer.Code, out.Code)
	require.NotNil(t, out.Internal)

	timeout := FromError(fmt.Errorf("await: %w", context.DeadlineExceeded))
	require.Equal(t, ErrGatewayTimeout.Code, timeout.Code)
	require.Equal(t, http.StatusGatewayTimeout, timeout.StatusCode)
}

func TestNewBadRequest(t *testing.T) {
	err := NewBadRequest("invalid payload")
	require.Equal(t, ErrBadRequest.Code, err.Code)
	require.Equal(t, "invalid payload", err.Message)
	require.Equal(t, ErrBadRequest.StatusCode, err.StatusCode)
}
