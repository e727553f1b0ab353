package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.10:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.5")
	if got := ClientIP(r, nil); got != "198.51.100.10" {
		t.Fatalf("forwarded header must be ignored without trust, got %q", got)
	}
}

func TestClientIPWalksForwardedChain(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.20:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.10")
	if got := ClientIP(r, trusted); got != "203.0.113.5" {
		t.Fatalf("first untrusted hop from the right should win, got %q", got)
	}

	// a spoofed extra hop before the real client changes nothing
	r.Header.Set("X-Forwarded-For", "192.0.2.99, 203.0.113.5, 10.0.0.10")
	if got := ClientIP(r, trusted); got != "203.0.113.5" {
		t.Fatalf("client-supplied hops must not override, got %q", got)
	}

	// fully trusted chain falls back to the origin end
	r.Header.Set("X-Forwarded-For", "10.0.0.5, 10.0.0.10")
	if got := ClientIP(r, trusted); got != "10.0.0.5" {
		t.Fatalf("all-trusted chain should report the origin, got %q", got)
	}

	// garbage header falls back to the peer address
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	if got := ClientIP(r, trusted); got != "10.0.0.20" {
		t.Fatalf("unparseable chain should report the peer, got %q", got)
	}
}

func TestNewTrustedProxiesParsing(t *testing.T) {
	tp, err := NewTrustedProxies([]string{"10.0.0.0/8", "192.168.1.10", " "})
	if err != nil {
		t.Fatalf("valid entries rejected: %v", err)
	}
	if tp == nil {
		t.Fatalf("expected a non-nil trust set")
	}
	if _, err := NewTrustedProxies([]string{"bogus"}); err == nil {
		t.Fatalf("expected error for unparseable entry")
	}
	tp, err = NewTrustedProxies(nil)
	if err != nil || tp != nil {
		t.Fatalf("empty input should mean trust-none: %v %v", tp, err)
	}
}
