package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/auth"
)

type contextKey string

// CredentialContextKey stores the resolved auth.Credential in request context.
const CredentialContextKey contextKey = "credential"

// AuthMiddleware is a thin HTTP-layer wrapper around an auth.Authenticator,
// used by the query/dispatch endpoints (trace listing, trace detail,
// analysis enqueue, queue stats) that sit outside the ingestion pipeline —
// which authenticates inline against the same Authenticator rather than
// going through this middleware (see router.go). Both call sites resolve
// the same bearer-credential scheme; the spec's distinction between an
// ingesting SDK's "API key" and a dashboard's "session" credential is a
// caller-role distinction, not a different wire format, since this backend
// does not itself issue session tokens (out of scope).
type AuthMiddleware struct {
	logger        zerolog.Logger
	authenticator auth.Authenticator
}

func NewAuthMiddleware(logger zerolog.Logger, authenticator auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{logger: logger, authenticator: authenticator}
}

// Handler authenticates the request and stores the resolved Credential in
// context, or writes the apierr-shaped 401 response and stops the chain.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := am.authenticator.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			apierr.Write(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), CredentialContextKey, cred)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCredential extracts the authenticated Credential from request context.
func GetCredential(ctx context.Context) (auth.Credential, bool) {
	cred, ok := ctx.Value(CredentialContextKey).(auth.Credential)
	return cred, ok
}
