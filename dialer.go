package torrent

import (
	"github.com/coldharbor-io/torrentcore/dialer"
)

type (
	Dialer        = dialer.T
	NetworkDialer = dialer.WithNetwork
)

var DefaultNetDialer = dialer.Default
