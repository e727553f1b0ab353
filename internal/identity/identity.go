// Package identity resolves the caller behind an HTTP request. Token
// issuance lives in the external auth service; this package only
// validates what arrives on the wire and never touches roles, which are
// membership rows owned by the store.
package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Caller is the authenticated principal attached to a request.
type Caller struct {
	ID    string
	Email string
}

// Resolver extracts a caller from request credentials.
type Resolver interface {
	Resolve(r *http.Request) (Caller, error)
}

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	defaultIssuer   = "triagedeck-auth"
	defaultAudience = "triagedeck-api"
	defaultLeeway   = 30 * time.Second
)

// Config configures bearer-token verification.
type Config struct {
	// Secret is the shared HS256 signing secret of the auth service.
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// TokenResolver validates HS256 bearer tokens and extracts the subject
// and email claims.
type TokenResolver struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewTokenResolver creates a bearer-token resolver.
func NewTokenResolver(cfg Config) (*TokenResolver, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("identity resolver requires a token secret")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &TokenResolver{
		secret:   []byte(cfg.Secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Resolve validates the Authorization bearer token.
func (t *TokenResolver) Resolve(r *http.Request) (Caller, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return Caller{}, ErrUnauthenticated
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithLeeway(t.leeway),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return Caller{}, ErrUnauthenticated
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Caller{}, ErrUnauthenticated
	}
	email := strings.TrimSpace(claims.Email)
	if email == "" {
		email = sub
	}
	return Caller{ID: sub, Email: email}, nil
}

// HeaderResolver trusts the X-User-Id header. It exists for local
// development and tests only; production deployments sit behind the
// auth service and use TokenResolver.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (Caller, error) {
	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if id == "" {
		return Caller{}, ErrUnauthenticated
	}
	return Caller{ID: id, Email: id}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
