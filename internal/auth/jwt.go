// Package auth turns bearer tokens into a model.Actor and hashes credential passwords.
//
// WHO DECIDES PERMISSIONS?
// The channel service never looks up roles itself. Whoever issues the token
// (an admin console, another internal service) decides whether the holder is
// an admin, may force-confirm channels, or may read raw bounce details, and
// writes those booleans into the token. The middleware copies them into a
// model.Actor on the request context.
//
// JWT STRUCTURE:
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Payload: {"sub":"1~c9u...","adm":true,"fc":false,"rbd":true,"exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/channel-lifecycle/internal/model"
)

const issuer = "channel-lifecycle"

// DefaultTTL is how long tokens from Generate stay valid.
const DefaultTTL = 15 * time.Minute

// TokenService signs and verifies actor tokens with one HMAC secret.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// Example: CHANNELS_JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// claims carries the actor. "sub" is the user's global ID.
type claims struct {
	jwt.RegisteredClaims
	Admin                bool `json:"adm,omitempty"`
	CanForceConfirm      bool `json:"fc,omitempty"`
	CanReadBounceDetails bool `json:"rbd,omitempty"`
}

// Generate signs a token for actor valid for DefaultTTL.
func (s *TokenService) Generate(actor model.Actor) (string, error) {
	return s.GenerateWithDuration(actor, DefaultTTL)
}

// GenerateWithDuration signs a token for actor valid for d.
func (s *TokenService) GenerateWithDuration(actor model.Actor, d time.Duration) (string, error) {
	if actor.UserID == "" {
		return "", errors.New("auth: actor has no user id")
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
		Admin:                actor.Admin,
		CanForceConfirm:      actor.CanForceConfirm,
		CanReadBounceDetails: actor.CanReadBounceDetails,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token and returns the actor it names.
//
// jwt.WithValidMethods pins HS256 so a token claiming "alg":"none" is rejected.
func (s *TokenService) Validate(tokenStr string) (model.Actor, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Actor{}, fmt.Errorf("auth: token expired")
		}
		return model.Actor{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return model.Actor{}, fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return model.Actor{}, fmt.Errorf("auth: token has no subject")
	}

	return model.Actor{
		UserID:               c.Subject,
		Admin:                c.Admin,
		CanForceConfirm:      c.CanForceConfirm,
		CanReadBounceDetails: c.CanReadBounceDetails,
	}, nil
}
