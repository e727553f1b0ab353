// Package cursor implements the opaque pagination tokens handed to
// clients. A token binds the last-seen key tuple of one ordered view to
// an issue timestamp and an HMAC tag, so positions cannot be forged or
// replayed across views.
package cursor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"triagedeck/pkg/domain"
)

// View names the ordered listing a cursor belongs to. Decoding a token
// against a different view fails.
type View string

const (
	ViewItems     View = "items"
	ViewDecisions View = "decisions"
	ViewExports   View = "exports"
)

const schemaVersion = 1

// DefaultTTL is how long an issued cursor stays decodable.
const DefaultTTL = 7 * 24 * 60 * 60 * 1000

var (
	ErrInvalid = errors.New("invalid cursor")
	ErrExpired = errors.New("expired cursor")
)

// Key is the last-seen position in a view. SortKey is set for the items
// view, Ts for the decisions (ts_server) and exports (created_at) views.
// ID is always the tie-breaking row id.
type Key struct {
	SortKey string `json:"sort_key,omitempty"`
	Ts      int64  `json:"ts,omitempty"`
	ID      string `json:"id"`
}

type payload struct {
	V        int    `json:"v"`
	View     View   `json:"view"`
	Key      Key    `json:"key"`
	IssuedAt int64  `json:"iat"`
}

// Codec signs and verifies cursors with a process-wide secret.
type Codec struct {
	secret []byte
	ttlMS  int64
}

// NewCodec builds a codec. The secret is required; ttlMS <= 0 selects
// the 7-day default.
func NewCodec(secret string, ttlMS int64) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("cursor secret is required")
	}
	if ttlMS <= 0 {
		ttlMS = DefaultTTL
	}
	return &Codec{secret: []byte(secret), ttlMS: ttlMS}, nil
}

// Encode issues a token for the given view position.
func (c *Codec) Encode(view View, key Key) (string, error) {
	raw, err := json.Marshal(payload{
		V:        schemaVersion,
		View:     view,
		Key:      key,
		IssuedAt: domain.NowMS(),
	})
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + c.sign(raw), nil
}

// Decode verifies and unpacks a token previously issued for view.
// Returns ErrInvalid on any structural or signature failure, ErrExpired
// when the issue timestamp is older than the TTL.
func (c *Codec) Decode(view View, token string) (Key, error) {
	body, tag, ok := strings.Cut(token, ".")
	if !ok {
		return Key{}, ErrInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Key{}, ErrInvalid
	}
	if !hmac.Equal([]byte(c.sign(raw)), []byte(tag)) {
		return Key{}, ErrInvalid
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Key{}, ErrInvalid
	}
	if p.V != schemaVersion || p.View != view {
		return Key{}, ErrInvalid
	}
	if p.IssuedAt+c.ttlMS < domain.NowMS() {
		return Key{}, ErrExpired
	}
	return p.Key, nil
}

func (c *Codec) sign(raw []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(raw)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
