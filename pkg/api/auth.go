package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSubject = errors.New("api: token subject is not an address")

const issuer = "helm-firewall"

type originKey struct{}

// OriginFrom returns the authenticated transaction origin.
func OriginFrom(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(originKey{}).(common.Address)
	return a, ok
}

// IssueToken signs an HS256 token whose subject is origin.
func IssueToken(secret []byte, origin common.Address, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   origin.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verifyToken returns the origin a valid token speaks for.
func verifyToken(secret []byte, raw string, now time.Time) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return common.Address{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, ErrInvalidSubject
	}
	return common.HexToAddress(claims.Subject), nil
}

// requireOrigin authenticates the bearer token. Without a secret every
// request is rejected.
func (s *Server) requireOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			writeError(w, r, http.StatusUnauthorized, "authentication is not configured")
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, http.StatusUnauthorized, "Authentication required")
			return
		}
		origin, err := verifyToken(s.jwtSecret, raw, s.now())
		if err != nil {
			s.logger.DebugContext(r.Context(), "token rejected", "error", err)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), originKey{}, origin)))
	}
}
