package handlers

import (
	"errors"

	"github.com/charlesng35/imrelay/internal/gateway"
	"github.com/charlesng35/imrelay/internal/protocol"
	"github.com/charlesng35/imrelay/internal/relay"
	apperrors "github.com/charlesng35/imrelay/pkg/errors"
)

// relayError maps relay and gateway failures to HTTP errors.
func relayError(err error) error {
	switch {
	case errors.Is(err, relay.ErrNoSession):
		return apperrors.ErrNoSession.WithInternal(err)
	case errors.Is(err, gateway.ErrTimeout):
		return apperrors.ErrGatewayTimeout.WithInternal(err)
	case errors.Is(err, relay.ErrStopped), errors.Is(err, gateway.ErrNotBound):
		return apperrors.ErrRelayUnavailable.WithInternal(err)
	case errors.Is(err, protocol.ErrUnknownType):
		return apperrors.ErrUnknownMessage.WithInternal(err)
	case errors.Is(err, protocol.ErrMalformed):
		return apperrors.NewBadRequest(err.Error())
	default:
		return err
	}
}
