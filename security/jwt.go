// Package security implements the JWT session authorization WebSocket
// subscribers present at handshake time (§4.5, §6.5).
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the fixed issuer claim every token must carry.
const Issuer = "urn:mah.priv.at"

// ErrNoToken is returned when a handshake carries no token at all, which
// the caller maps onto close code 1066 the same as any other auth failure.
var ErrNoToken = errors.New("security: no token presented")

// Claims are the JWT session claims described in §6.5, plus the
// supplemental "rui" (reuse-in) field: the number of seconds before expiry
// at which a client is expected to fetch a fresh token. It is decoded when
// present but nothing in this repository acts on it.
type Claims struct {
	jwt.RegisteredClaims
	Usr string `json:"usr"`
	Dur int64  `json:"dur"`
	Rui int64  `json:"rui,omitempty"`
}

// Authenticator signs and verifies session tokens against a single shared
// secret (JWT_SECRET, §6.5).
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator from a non-empty shared secret.
// A missing secret is a process-wide invariant violation (§7) the caller
// is expected to treat as fatal at startup, not here.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("security: JWT_SECRET must not be empty")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Sign mints a session token for usr, valid for dur seconds from now, with
// aud as the audience (the sub-protocol the subscriber will present).
func (a *Authenticator) Sign(usr string, dur time.Duration, aud []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings(aud),
			ExpiresAt: jwt.NewNumericDate(now.Add(dur)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Usr: usr,
		Dur: int64(dur.Seconds()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify checks a token's signature, issuer, audience, and expiry per
// §6.5/§7, requiring the audience to contain aud (the sub-protocol the
// server selected for this connection). On success it returns the decoded
// claims and the session deadline min(now+dur, exp) per §4.5.
func (a *Authenticator) Verify(tokenString string, aud string) (*Claims, time.Time, error) {
	if tokenString == "" {
		return nil, time.Time{}, ErrNoToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(aud),
	)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("security: invalid token: %w", err)
	}
	if !token.Valid {
		return nil, time.Time{}, errors.New("security: token failed validation")
	}

	var deadline time.Time
	if claims.ExpiresAt != nil {
		deadline = claims.ExpiresAt.Time
	}
	if claims.Dur > 0 {
		fromDur := time.Now().Add(time.Duration(claims.Dur) * time.Second)
		if deadline.IsZero() || fromDur.Before(deadline) {
			deadline = fromDur
		}
	}
	return claims, deadline, nil
}
