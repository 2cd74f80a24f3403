package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/authn"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

func newTokenHandler(t *testing.T) (http.Handler, *core.OwnerTokenIssuer) {
	t.Helper()
	issuer, err := core.NewOwnerTokenIssuer([]byte("test-hash-key"), time.Hour)
	if err != nil {
		t.Fatalf("NewOwnerTokenIssuer: %v", err)
	}

	probe := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := authn.GetInfo(r.Context()).(core.Identity)
		if !ok {
			http.Error(w, "no identity", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(identity)
	})

	return NewOwnerToken(issuer).Wrap(probe), issuer
}

func TestOwnerTokenMiddlewareAcceptsIssuedToken(t *testing.T) {
	t.Parallel()

	handler, issuer := newTokenHandler(t)
	token, err := issuer.Issue("Alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/console.v1.TaskService/Get", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var identity core.Identity
	if err := json.Unmarshal(rec.Body.Bytes(), &identity); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if identity.OwnerID != "alice" {
		t.Fatalf("expected normalized owner id alice, got %q", identity.OwnerID)
	}
}

func TestOwnerTokenMiddlewareRejectsBadTokens(t *testing.T) {
	t.Parallel()

	handler, _ := newTokenHandler(t)

	cases := map[string]string{
		"missing":   "",
		"garbage":   "Bearer not-a-token",
		"wrong key": "Bearer eyJzdWIiOiJhbGljZSJ9.YWFhYQ",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/console.v1.TaskService/Get", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}
