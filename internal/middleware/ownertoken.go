package middleware

import (
	"context"
	"net/http"

	"connectrpc.com/authn"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// NewOwnerToken creates a ConnectRPC authentication middleware that
// verifies HMAC-signed owner tokens. On success the embedded owner id
// becomes the caller's identity.
func NewOwnerToken(issuer *core.OwnerTokenIssuer) *authn.Middleware {
	authenticate := func(_ context.Context, r *http.Request) (any, error) {
		token, found := authn.BearerToken(r)
		if !found || token == "" {
			return nil, authn.Errorf("missing or invalid bearer token")
		}

		ownerID, err := issuer.Verify(token)
		if err != nil {
			return nil, authn.Errorf("invalid token")
		}

		return core.Identity{OwnerID: ownerID, Subject: ownerID}, nil
	}

	return authn.NewMiddleware(authenticate)
}
