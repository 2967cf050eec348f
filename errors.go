package torrent

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a TorrentError per spec.md §7.
type ErrorKind int

const (
	ErrorKindProtocol ErrorKind = iota
	ErrorKindTransientIO
	ErrorKindHashMismatch
	ErrorKindIoError
	ErrorKindFilesystemUnavailable
	ErrorKindConfigError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindProtocol:
		return "Protocol"
	case ErrorKindTransientIO:
		return "TransientIO"
	case ErrorKindHashMismatch:
		return "HashMismatch"
	case ErrorKindIoError:
		return "IoError"
	case ErrorKindFilesystemUnavailable:
		return "FilesystemUnavailable"
	case ErrorKindConfigError:
		return "ConfigError"
	default:
		return "Unknown"
	}
}

// TorrentError wraps a cause with a classification, per spec.md §7's
// propagation policy (transient errors recovered locally, IoError stops
// the torrent and is surfaced, etc).
type TorrentError struct {
	Kind  ErrorKind
	cause error
}

func (e *TorrentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *TorrentError) Unwrap() error { return e.cause }

func newTorrentError(kind ErrorKind, cause error) *TorrentError {
	return &TorrentError{Kind: kind, cause: errors.WithStack(cause)}
}

func wrapf(kind ErrorKind, format string, args ...any) *TorrentError {
	return newTorrentError(kind, errors.Errorf(format, args...))
}

var (
	ErrDuplicateTorrent = wrapf(ErrorKindConfigError, "torrent already added")
	ErrInvalidMagnet    = wrapf(ErrorKindConfigError, "invalid magnet uri")
	ErrClosedConn       = errors.New("connection closed")
	ErrBadHandshake     = errors.New("bad handshake")
	ErrOversizeMessage  = errors.New("oversize message")
)
