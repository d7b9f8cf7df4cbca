package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"embedstream/internal/core"
)

// AuthMiddleware accepts either the master key itself or an HS256 JWT signed
// with it that carries an expiry in the future. Paths in skip are public.
// An empty masterKey disables authentication.
func AuthMiddleware(masterKey string, skip []string) echo.MiddlewareFunc {
	public := make(map[string]bool, len(skip))
	for _, p := range skip {
		public[p] = true
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	key := []byte(masterKey)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" || public[c.Path()] || public[c.Request().URL.Path] {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return unauthorized(c, "missing authorization header")
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return unauthorized(c, "invalid authorization header format, expected 'Bearer <token>'")
			}
			token := strings.TrimPrefix(header, prefix)

			if subtle.ConstantTimeCompare([]byte(token), key) == 1 {
				return next(c)
			}
			if _, err := parser.Parse(token, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					return unauthorized(c, "token expired")
				}
				return unauthorized(c, "invalid master key or token")
			}
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, core.NewAuthenticationError("", msg).ToJSON())
}

// IssueToken signs a token that AuthMiddleware accepts until ttl elapses.
func IssueToken(masterKey, subject string, ttl time.Duration) (string, error) {
	if masterKey == "" {
		return "", errors.New("master key is required to sign tokens")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(masterKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
