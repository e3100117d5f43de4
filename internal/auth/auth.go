// Package auth validates the credential a client presents when joining a
// room. Credentials are HS256 JWTs issued by the account service, which is
// not part of this server.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
)

const Issuer = "geochat"

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserId    string
	SessionId string
}

type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

type claims struct {
	SessionId string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type JWTValidator struct {
	key    []byte
	leeway time.Duration
}

func NewJWTValidator(key []byte) *JWTValidator {
	return &JWTValidator{
		key:    key,
		leeway: 30 * time.Second,
	}
}

func (v *JWTValidator) Validate(_ context.Context, credential string) (Identity, error) {
	if credential == "" || len(v.key) == 0 {
		return Identity{}, ErrInvalidCredential
	}

	token, err := jwt.ParseWithClaims(credential, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return v.key, nil
	},
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredCredential
		}
		return Identity{}, ErrInvalidCredential
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{UserId: c.Subject, SessionId: c.SessionId}, nil
}

// Sign issues a credential for the identity. The server only uses it in
// tests and tooling; production credentials come from the account service.
func Sign(key []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		SessionId: id.SessionId,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserId,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	return token.SignedString(key)
}
