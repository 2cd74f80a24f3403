// Package middleware provides the authn middlewares guarding the
// console's task and fleet APIs: HMAC owner tokens minted by
// bootstrap, or OIDC ID tokens from an external issuer.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/authn"
	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

// oidcClaims holds the custom claims extracted from a verified ID
// token.
type oidcClaims struct {
	Groups []string `json:"groups"`
}

// NewOIDC creates a ConnectRPC authentication middleware that verifies
// incoming Bearer tokens against the given OIDC issuer and client ID.
//
// On success the caller's identity is stored in the request context as
// core.Identity. The owner id is the verified token subject, so each
// subject sees exactly its own fleet.
func NewOIDC(issuer, clientID string) (*authn.Middleware, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	authenticate := func(ctx context.Context, r *http.Request) (any, error) {
		token, found := authn.BearerToken(r)
		if !found || token == "" {
			return nil, authn.Errorf("missing or invalid bearer token")
		}

		idToken, err := verifier.Verify(ctx, token)
		if err != nil {
			return nil, authn.Errorf("invalid token: %s", err)
		}

		var claims oidcClaims
		if err := idToken.Claims(&claims); err != nil {
			return nil, authn.Errorf("parse token claims: %s", err)
		}

		ownerID := core.NormalizeOwnerID(idToken.Subject)
		if ownerID == "" {
			return nil, authn.Errorf("token subject is empty")
		}

		return core.Identity{
			OwnerID: ownerID,
			Subject: idToken.Subject,
			Groups:  claims.Groups,
		}, nil
	}

	return authn.NewMiddleware(authenticate), nil
}
