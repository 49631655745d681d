package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"vehicle-loan-ledger/internal/domain"
	"vehicle-loan-ledger/pkg/httputil"
)

// TokenVerifier はベアラートークンを検証し、プリンシパルを返す。
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Identity は Authorization ヘッダーのベアラートークンを検証し、
// プリンシパルをリクエストコンテキストに設定する。
func Identity(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				httputil.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token is required")
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				slog.WarnContext(r.Context(), "token verification failed", "error", err)
				httputil.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}

			ctx := domain.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
