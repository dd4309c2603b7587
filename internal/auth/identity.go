// Package auth resolves the opaque caller identity on the command/status REST surface. Token issuance lives in the
// external API layer; this package only verifies bearer tokens minted there and exposes the subject to handlers.
package auth

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/httputil"
)

// CallerClaims holds the JWT claims carried by an access token.
type CallerClaims struct {
	jwt.RegisteredClaims
}

// ValidateToken parses and validates an access token string, enforcing HMAC signing and, when configured, issuer
// and audience checks.
func ValidateToken(tokenStr, secret, issuer, audience string) (*CallerClaims, error) {
	claims := &CallerClaims{}

	var parserOpts []jwt.ParserOption
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// CallerIdentity returns Fiber middleware that validates a Bearer token from the Authorization header and stores
// its subject in c.Locals("callerID") as the opaque caller identity. With no secret configured the middleware is a
// pass-through: the deployment terminates authentication upstream and the caller stays anonymous here.
func CallerIdentity(secret, issuer, audience string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Invalid authorization format")
		}

		claims, err := ValidateToken(header[len(prefix):], secret, issuer, audience)
		if err != nil {
			message := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "Token has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, message)
		}

		c.Locals("callerID", claims.Subject)
		return c.Next()
	}
}
