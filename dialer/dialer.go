// Package dialer is the socket factory contract from spec.md §6: it lets
// the core open outgoing connections without committing to a specific
// concurrency runtime, the way the teacher's own dialer.go delegates to a
// swappable Dialer.
package dialer

import (
	"context"
	"net"
)

// T is the dial contract the core uses to make outgoing peer connections.
type T interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// WithNetwork additionally exposes which network ("tcp", "udp") the dialer
// speaks, so callers that need to pick an address family can ask first.
type WithNetwork interface {
	T
	Network() string
}

type tcpDialer struct {
	d net.Dialer
}

func (t tcpDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return t.d.DialContext(ctx, "tcp", addr)
}

func (t tcpDialer) Network() string { return "tcp" }

// Default dials plain TCP. µTP dialing is out of scope per spec.md
// Non-goals; see DESIGN.md for the dropped anacrolix/go-libutp dependency.
var Default WithNetwork = tcpDialer{d: net.Dialer{
	// BitTorrent connections manage their own keepalives.
	KeepAlive: -1,
	// We explicitly manage address family selection ourselves.
	FallbackDelay: -1,
}}
