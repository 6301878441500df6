package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	qfit_errors "qfit-chat/pkg/errors"
)

// Identity is the session-scoped user identity, passed explicitly into
// the controller at construction. No ambient auth state.
type Identity struct {
	Email string
	Name  string
}

// ParseIdentity extracts the email and display name claims from the
// token the auth service handed the client. With a secret the HMAC
// signature is verified; without one the token is only decoded, since
// the backend re-validates it on every call anyway.
func ParseIdentity(token, secret string) (Identity, error) {
	var claims jwt.MapClaims

	if secret != "" {
		parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			return Identity{}, fmt.Errorf("failed to verify token: %w", err)
		}
		claims = parsed.Claims.(jwt.MapClaims)
	} else {
		parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
		if err != nil {
			return Identity{}, fmt.Errorf("failed to decode token: %w", err)
		}
		claims = parsed.Claims.(jwt.MapClaims)
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	if email == "" {
		return Identity{}, fmt.Errorf("%w: token has no email claim", qfit_errors.ErrInvalidInput)
	}
	return Identity{Email: email, Name: name}, nil
}
