package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"example.com/timelinesync/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const AccountCtxKey = contextKey("account")

// IssueToken signs an HS256 token carrying the account key.
func IssueToken(secret []byte, account models.AccountKey, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	claims := jwt.MapClaims{
		"account": account.String(),
		"iat":     time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// JWTAuth rejects requests without a valid bearer token and stores the
// account key of the token in the request context.
func JWTAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid Authorization header", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}

			raw, ok := claims["account"].(string)
			if !ok {
				http.Error(w, "invalid account in token", http.StatusUnauthorized)
				return
			}
			account, err := models.ParseAccountKey(raw)
			if err != nil {
				http.Error(w, "invalid account in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AccountCtxKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountFromContext returns the account stored by JWTAuth.
func AccountFromContext(ctx context.Context) (models.AccountKey, bool) {
	a, ok := ctx.Value(AccountCtxKey).(models.AccountKey)
	return a, ok
}
