package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const serviceKey ctxKey = "service"

func ServiceFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(serviceKey)
	s, ok := v.(string)
	return s, ok
}

func RequireAuth(jwtSvc *JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" || !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(h, "Bearer ")

			svc, err := jwtSvc.Verify(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), serviceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
