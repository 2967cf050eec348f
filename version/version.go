// Package version provides the client identification strings embedded in
// the BEP 20 peer ID prefix and the BEP 10 extended handshake.
package version

var (
	// DefaultBep20Prefix seeds the 20-byte peer ID (spec.md §3 PeerID).
	DefaultBep20Prefix = "-TC0001-"

	// DefaultExtendedHandshakeClientVersion is the "v" value for a BEP 10
	// extended handshake; nothing in this module sends one.
	DefaultExtendedHandshakeClientVersion = "torrentcore 0.1.0"
)
