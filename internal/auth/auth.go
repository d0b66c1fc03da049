// Package auth validates bearer tokens presented during the control
// handshake.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dkeye/Chorus/internal/domain"
)

// Provider resolves a bearer token to a user id.
type Provider interface {
	Verify(token string) (domain.UserID, error)
}

var ErrInvalidToken = errors.New("invalid token")

// JWTProvider accepts HS256 tokens whose subject is the user's UUID.
type JWTProvider struct {
	secret []byte
}

func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

func (p *JWTProvider) Verify(token string) (domain.UserID, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.UserID{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return domain.UserID{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	uid, err := domain.ParseUserID(sub)
	if err != nil {
		return domain.UserID{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return uid, nil
}

// Sign mints a token for uid; used by ops tooling and tests.
func (p *JWTProvider) Sign(uid domain.UserID) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": uid.String()})
	return t.SignedString(p.secret)
}

// DevToken is honored only when the gateway runs in dev mode.
const DevToken = "dev"

// DevUserID is stable across restarts so dev clients keep their identity.
var DevUserID = domain.UserID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("chorus-dev-user")))

// DevProvider short-circuits the reserved dev token and delegates everything
// else.
type DevProvider struct {
	Next Provider
}

func (p DevProvider) Verify(token string) (domain.UserID, error) {
	if token == DevToken {
		return DevUserID, nil
	}
	if p.Next == nil {
		return domain.UserID{}, ErrInvalidToken
	}
	return p.Next.Verify(token)
}
