package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-character random hex token. Used for request ids
// and queue consumer names; persisted entities use domain.NewUUID.
func NewID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
