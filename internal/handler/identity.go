package handler

import (
	"context"
	"errors"

	"connectrpc.com/authn"
	"connectrpc.com/connect"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// identityFromContext extracts the authenticated identity installed by
// the authn middleware.
func identityFromContext(ctx context.Context) (core.Identity, bool) {
	identity, ok := authn.GetInfo(ctx).(core.Identity)
	return identity, ok
}

// requireIdentity returns the caller's identity or CodeUnauthenticated
// when the middleware put none on the context.
func requireIdentity(ctx context.Context) (core.Identity, error) {
	identity, ok := identityFromContext(ctx)
	if !ok {
		return core.Identity{}, connect.NewError(connect.CodeUnauthenticated, errors.New("identity not found in context"))
	}
	return identity, nil
}
