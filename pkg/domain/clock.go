package domain

import (
	"time"

	"github.com/google/uuid"
)

// NowMS returns server time in Unix-epoch milliseconds.
func NowMS() int64 {
	return time.Now().UTC().UnixMilli()
}

// ClampSkew pins a client timestamp into the symmetric window around
// server time, so reviewer clocks can never push an event arbitrarily
// far into the past or future.
func ClampSkew(tsClient, now, window int64) int64 {
	low, high := now-window, now+window
	if tsClient < low {
		return low
	}
	if tsClient > high {
		return high
	}
	return tsClient
}

// NewUUID returns a random UUID string.
func NewUUID() string {
	return uuid.NewString()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
