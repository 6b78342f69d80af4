package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/berth/schema"
)

// DefaultTokenTTL is the lifetime of a session token.
const DefaultTokenTTL = 24 * time.Hour

// Claims is the signed payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	UserID   schema.UserID `json:"id"`
	Username string        `json:"username"`
	Role     schema.Role   `json:"role"`
}

// TokenIssuer signs and verifies stateless HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns an issuer using secret. A non-positive ttl selects
// DefaultTokenTTL.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: append([]byte(nil), secret...), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token binding the user's id, username and role.
func (t *TokenIssuer) Issue(user schema.User) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
	return token.SignedString(t.secret)
}

// Verify checks a token and returns the principal it carries. An empty token
// yields ErrUnauthorized; a malformed, forged or expired one ErrForbidden.
func (t *TokenIssuer) Verify(raw string) (schema.Principal, error) {
	if raw == "" {
		return schema.Principal{}, schema.ErrUnauthorized
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return schema.Principal{}, fmt.Errorf("%w: token invalid: %v", schema.ErrForbidden, err)
	}
	if !token.Valid || claims.UserID == "" {
		return schema.Principal{}, fmt.Errorf("%w: token invalid", schema.ErrForbidden)
	}
	return schema.Principal{ID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}
