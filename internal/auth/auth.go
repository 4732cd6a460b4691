// Package auth adapts externally issued credentials and access policy to
// the identity and access decision the collaboration core consumes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("auth: no signing secret configured")
)

// Identity is a verified participant. Anonymous identities carry no ID.
type Identity struct {
	ID        uuid.UUID
	Anonymous bool
	Staff     bool
}

func AnonymousIdentity() Identity {
	return Identity{Anonymous: true}
}

type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Claims of tokens issued by the deployment's login service.
type Claims struct {
	Staff bool `json:"staff,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens whose subject is the participant uuid.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

// TokenFromRequest looks for a token in the token query parameter, the
// Authorization header and the auth_token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// Authenticate treats a request without a token as anonymous. A token that
// is present but invalid is an error.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return AnonymousIdentity(), nil
	}
	return a.Validate(token)
}

func (a *JWTAuthenticator) Validate(token string) (Identity, error) {
	if len(a.secret) == 0 {
		return Identity{}, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return Identity{ID: id, Staff: claims.Staff}, nil
}

// Issue signs a token for id. A ttl of zero issues a token without expiry.
func (a *JWTAuthenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if id.Anonymous || id.ID == uuid.Nil {
		return "", errors.New("auth: cannot issue a token for an anonymous identity")
	}

	now := time.Now()
	claims := Claims{
		Staff: id.Staff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.ID.String(),
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Mode is what a connection wants to do in a room.
type Mode int

const (
	Collaborate Mode = iota
	Replay
)

func (m Mode) String() string {
	if m == Replay {
		return "replay"
	}
	return "collaborate"
}

type AccessResolver interface {
	ResolveAccess(ctx context.Context, id Identity, room string, mode Mode) (bool, error)
}

// Policy decides access from static configuration.
type Policy struct {
	// AllowAnonymous admits anonymous collaborators to every room.
	AllowAnonymous bool
	// PublicRooms admit anonymous collaborators even when AllowAnonymous is off.
	PublicRooms []string
}

func (p Policy) ResolveAccess(_ context.Context, id Identity, room string, mode Mode) (bool, error) {
	if mode == Replay {
		return id.Staff, nil
	}
	if !id.Anonymous {
		return true, nil
	}
	if p.AllowAnonymous {
		return true, nil
	}
	for _, public := range p.PublicRooms {
		if public == room {
			return true, nil
		}
	}
	return false, nil
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
