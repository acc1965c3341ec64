package simulator

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vmscope/console/internal/constants"
)

// tokenIssuer mints and verifies the short-lived HS256 session tokens
// the simulator hands out on its token endpoint. Consoles present the
// token on the socket dial; a bad or expired one gets the connection
// closed with a policy violation.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func newTokenIssuer(secret string, ttl time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a fresh session token.
func (t *tokenIssuer) Issue() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "console",
		"iss": constants.DefaultServiceSoftware,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(t.ttl).Unix(),
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a presented token's signature and expiry.
func (t *tokenIssuer) Verify(tokenString string) error {
	if tokenString == "" {
		return fmt.Errorf("missing session token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid session token")
	}
	return nil
}
