package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims is the token payload the admin UI presents.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth requires an HS256 bearer token signed with secret whose role
// claim is "admin". CORS preflight requests pass through. An empty secret
// rejects every token.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				unauthorized(w, http.StatusUnauthorized, "Not authorized, no token")
				return
			}

			if len(key) == 0 {
				unauthorized(w, http.StatusUnauthorized, "Not authorized, token failed")
				return
			}

			claims := &AdminClaims{}
			_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				unauthorized(w, http.StatusUnauthorized, "Not authorized, token failed")
				return
			}
			if claims.Role != "admin" {
				unauthorized(w, http.StatusForbidden, "Not authorized as an admin")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
