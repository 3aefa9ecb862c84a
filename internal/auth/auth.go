package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity attached to a request. The user
// store, password handling and token issuance live in a separate service;
// this package only verifies what that service signed.
type Principal struct {
	Name   string
	Groups []string
}

// InGroup reports whether the principal belongs to the named group.
func (p Principal) InGroup(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type claims struct {
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens signed with the shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secretKey string) *Verifier {
	return &Verifier{secret: []byte(secretKey)}
}

// Verify parses and validates a bearer token and returns the principal it
// carries. The subject claim is the username; an optional "groups" claim
// lists the user's groups.
func (v *Verifier) Verify(token string) (Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrTokenInvalid
	}
	if !parsed.Valid || c.Subject == "" {
		return Principal{}, ErrTokenInvalid
	}
	return Principal{Name: c.Subject, Groups: c.Groups}, nil
}

// Issue signs a token for the given principal. Used by tests and by the
// admin tooling; the production issuer is the auth service. A zero ttl
// issues a token without expiry; a negative ttl issues one that has
// already expired.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	c := claims{
		Groups: p.Groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  p.Name,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	}
	if ttl != 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().UTC().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
