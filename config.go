package torrent

import (
	"time"

	"github.com/anacrolix/log"

	"github.com/coldharbor-io/torrentcore/dialer"
	"github.com/coldharbor-io/torrentcore/sessionstore"
)

// BlockSize is the fixed request-unit size from spec.md §3. The last block
// of the last piece may be shorter.
const BlockSize = 16384

// Config configures an Engine. This is a plain struct rather than a CLI
// flag surface (alexflint/go-arg, anacrolix/tagflag, jessevdk/go-flags are
// dropped — see DESIGN.md) because the host-facing control surface in
// spec.md §6 is a programmatic API, not a process command line.
type Config struct {
	PeerID [20]byte

	Dialer dialer.T

	SessionStore sessionstore.Store

	Logger log.Logger

	// Per-peer pipeline depth bounds (spec.md §4.4).
	MinPipelineDepth int
	MaxPipelineDepth int

	// Backpressure caps (spec.md §4.3).
	MaxActivePieces  int
	MaxBufferedBytes int64

	// Endgame (spec.md §4.3).
	EndgameThreshold          float64
	EndgameDuplicateRequests  int

	// Warmup rarest-first window before switching to sequential (spec.md §4.4).
	WarmupPieces int

	// Timeouts (spec.md §5).
	RequestTimeout    time.Duration
	IdleTimeout       time.Duration
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration

	// Choke manager cadence (spec.md §4.5).
	UnchokeInterval          time.Duration
	OptimisticUnchokeInterval time.Duration
	MaxUploadSlots           int
	AntiSnubInterval         time.Duration

	// Disk write backpressure (spec.md §4.6).
	MaxPendingWrites int
	HashWorkers      int

	// Tick pacing (spec.md §4.7).
	MinTickInterval  time.Duration
	IdleTickInterval time.Duration
	HasherBacklogThreshold int

	// Resume state is flushed at most once every N write completions
	// (spec.md §4.6 step 4).
	PersistEveryNCompletions int
}

// DefaultConfig matches the numeric defaults called out across spec.md.
func DefaultConfig() Config {
	return Config{
		Dialer:                    dialer.Default,
		Logger:                    log.Default,
		MinPipelineDepth:          10,
		MaxPipelineDepth:          500,
		MaxActivePieces:           24,
		MaxBufferedBytes:          64 << 20,
		EndgameThreshold:          0.05,
		EndgameDuplicateRequests:  2,
		WarmupPieces:              4,
		RequestTimeout:            30 * time.Second,
		IdleTimeout:               180 * time.Second,
		HandshakeTimeout:          10 * time.Second,
		KeepaliveInterval:         120 * time.Second,
		UnchokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,
		MaxUploadSlots:            4,
		AntiSnubInterval:          60 * time.Second,
		MaxPendingWrites:          64,
		HashWorkers:               4,
		MinTickInterval:           5 * time.Millisecond,
		IdleTickInterval:          20 * time.Millisecond,
		HasherBacklogThreshold:    30,
		PersistEveryNCompletions:  8,
	}
}
