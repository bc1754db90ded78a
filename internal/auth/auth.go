// Package auth identifies gateway callers from their JWT access tokens.
//
// Two kinds of callers exist. Dashboard users act on their own account and
// carry an account_id claim. Installed instances carry an instance_id claim
// and are resolved to their account by the handler.
package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"metering-gateway/internal/common/errors"
)

// Kind is the kind of caller a token was issued to.
type Kind string

const (
	KindDashboard Kind = "dashboard"
	KindInstance  Kind = "instance"
)

// Claims are the gateway-specific JWT claims.
type Claims struct {
	AccountID  string `json:"account_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	jwt.RegisteredClaims
}

var _ jwt.Claims = &Claims{}

// Identity is the authenticated caller.
type Identity struct {
	Kind       Kind
	Subject    string
	AccountID  string
	InstanceID string
}

type contextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the caller stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// Authenticator verifies and issues HS256 tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, errors.ConfigError("JWT secret must be at least 32 characters long")
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// Parse verifies raw and returns the identity of the expected kind.
func (a *Authenticator) Parse(raw string, kind Kind) (*Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.AuthError("access token expired")
		}
		return nil, errors.AuthError("invalid access token")
	}

	id := &Identity{Kind: kind, Subject: claims.Subject}
	switch kind {
	case KindDashboard:
		if claims.AccountID == "" {
			return nil, errors.AuthError("token is not a dashboard token")
		}
		id.AccountID = claims.AccountID
	case KindInstance:
		if claims.InstanceID == "" {
			return nil, errors.AuthError("token is not an instance token")
		}
		id.InstanceID = claims.InstanceID
	default:
		return nil, errors.AuthError("unsupported caller kind")
	}
	return id, nil
}

// Authenticate reads the Authorization header of r. The "Bearer " prefix is
// optional.
func (a *Authenticator) Authenticate(r *http.Request, kind Kind) (*Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, errors.AuthError("missing access token")
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		header = strings.TrimSpace(header[7:])
	}
	return a.Parse(header, kind)
}

// Issue signs a token for kind. id is the account id of a dashboard token or
// the instance id of an instance token.
func (a *Authenticator) Issue(kind Kind, id string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	switch kind {
	case KindDashboard:
		claims.AccountID = id
	case KindInstance:
		claims.InstanceID = id
	default:
		return "", errors.ValidationError("unsupported caller kind")
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
