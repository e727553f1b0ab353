package storage

import (
	"context"
	"strings"
	"time"

	"triagedeck/pkg/domain"
)

// ObjectScheme prefixes logical URIs that live inside the object store.
const ObjectScheme = "triagedeck://"

// Resolved is a browser-usable URL with its expiry in Unix ms.
// Implementations must never place storage credentials in URL; signed
// query parameters derived from them are the only allowed artifact.
type Resolved struct {
	URL       string `json:"uri"`
	ExpiresAt int64  `json:"expires_at"`
}

// Resolver turns logical media URIs into short-lived browser URLs.
type Resolver interface {
	Resolve(ctx context.Context, logicalURI string, ttl time.Duration) (Resolved, error)
}

// IdentityResolver passes public URIs through untouched. Used when the
// media set is world-readable behind the static file server.
type IdentityResolver struct{}

func (IdentityResolver) Resolve(_ context.Context, logicalURI string, ttl time.Duration) (Resolved, error) {
	return Resolved{URL: logicalURI, ExpiresAt: domain.NowMS() + ttl.Milliseconds()}, nil
}

// ObjectResolver signs triagedeck:// URIs against an ObjectStore and
// passes every other URI through unchanged (http, https, rooted paths).
type ObjectResolver struct {
	objects ObjectStore
}

func NewObjectResolver(objects ObjectStore) *ObjectResolver {
	return &ObjectResolver{objects: objects}
}

func (o *ObjectResolver) Resolve(ctx context.Context, logicalURI string, ttl time.Duration) (Resolved, error) {
	expiresAt := domain.NowMS() + ttl.Milliseconds()
	key, ok := strings.CutPrefix(logicalURI, ObjectScheme)
	if !ok {
		return Resolved{URL: logicalURI, ExpiresAt: expiresAt}, nil
	}
	url, err := o.objects.PresignGet(ctx, key, ttl)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{URL: url, ExpiresAt: expiresAt}, nil
}
