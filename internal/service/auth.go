// Package service contains the application services behind the API: session
// tokens and durable content mutations.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/atoms-tech/atoms-collab/internal/errs"
	"github.com/atoms-tech/atoms-collab/internal/model"
)

// TokenService issues and verifies session access tokens.
type TokenService interface {
	// Issue signs an access token for the user.
	Issue(userID uuid.UUID, displayName string) (model.Tokens, error)
	// Verify checks a token and returns the session it names. ClientID is left empty.
	Verify(token string) (model.Session, error)
}

// Claims are the JWT claims of an access token. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type TokenServiceImpl struct {
	signKey   []byte
	accessTTL time.Duration
	leeway    time.Duration
	now       func() time.Time
}

// NewTokenService constructs a TokenService signing HS256 tokens with signKey.
func NewTokenService(signKey []byte, accessTTL time.Duration) *TokenServiceImpl {
	if accessTTL <= 0 {
		accessTTL = 12 * time.Hour
	}
	return &TokenServiceImpl{signKey: signKey, accessTTL: accessTTL, leeway: 30 * time.Second, now: time.Now}
}

// Issue creates a signed HS256 JWT for the given subject.
func (s *TokenServiceImpl) Issue(userID uuid.UUID, displayName string) (model.Tokens, error) {
	if userID == uuid.Nil {
		return model.Tokens{}, errs.Validationf("empty user id")
	}
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: displayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: signed, ExpiresAt: exp}, nil
}

// Verify parses an HS256 token and maps its claims to a session.
func (s *TokenServiceImpl) Verify(token string) (model.Session, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return model.Session{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	name := claims.Name
	if name == "" {
		name = id.String()
	}
	return model.Session{UserID: id.String(), DisplayName: name, AccessToken: token}, nil
}
