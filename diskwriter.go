package torrent

import (
	"crypto/sha1"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coldharbor-io/torrentcore/storage"
)

// ResultCode is the outcome of one VerifiedWrite (spec.md §4.6).
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultHashMismatch
	ResultInvalidArgs
	ResultIoError
)

// verifiedWriteJob is a piece buffer plus its expected hash and storage
// mapping, submitted to the DiskWriter's hasher.
type verifiedWriteJob struct {
	callbackID   uint64
	pieceIndex   pieceIndex
	expectedHash [20]byte
	buffer       []byte
	dest         storage.PieceStorage
}

// WriteCompletion is delivered back to the scheduling domain as part of a
// completion batch, drained at the start of each tick (spec.md §4.6/§4.7).
type WriteCompletion struct {
	CallbackID   uint64
	PieceIndex   pieceIndex
	BytesWritten int
	Result       ResultCode
	Err          error
}

// DiskWriter is the bounded-concurrency hash-then-write pipeline from
// spec.md §4.6. Hashing runs on a golang.org/x/sync/errgroup-governed
// worker pool; completions are delivered on a channel the tick loop
// drains as a batch.
type DiskWriter struct {
	jobs        chan verifiedWriteJob
	completions chan WriteCompletion
	pending     int64
	maxPending  int
	nextID      uint64
	stop        chan struct{}
}

func newDiskWriter(workers int, maxPending int) *DiskWriter {
	dw := &DiskWriter{
		jobs:        make(chan verifiedWriteJob, maxPending),
		completions: make(chan WriteCompletion, maxPending),
		maxPending:  maxPending,
		stop:        make(chan struct{}),
	}
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			dw.workerLoop()
			return nil
		})
	}
	return dw
}

func (dw *DiskWriter) workerLoop() {
	for {
		select {
		case <-dw.stop:
			return
		case job, ok := <-dw.jobs:
			if !ok {
				return
			}
			dw.process(job)
		}
	}
}

func (dw *DiskWriter) process(job verifiedWriteJob) {
	defer atomic.AddInt64(&dw.pending, -1)
	sum := sha1.Sum(job.buffer)
	if sum != job.expectedHash {
		dw.completions <- WriteCompletion{CallbackID: job.callbackID, PieceIndex: job.pieceIndex, Result: ResultHashMismatch}
		return
	}
	n, err := job.dest.WriteAt(job.buffer, 0)
	if err != nil {
		dw.completions <- WriteCompletion{CallbackID: job.callbackID, PieceIndex: job.pieceIndex, Result: ResultIoError, Err: err}
		return
	}
	dw.completions <- WriteCompletion{CallbackID: job.callbackID, PieceIndex: job.pieceIndex, BytesWritten: n, Result: ResultSuccess}
}

// PendingCount is the current number of submitted-but-not-completed writes,
// the signal the scheduler uses to gate Phase B admission (spec.md §4.6,
// "if the submission queue exceeds maxPendingWrites, the scheduler skips
// Phase B admission until it drains").
func (dw *DiskWriter) PendingCount() int { return int(atomic.LoadInt64(&dw.pending)) }

// Submit enqueues a verified-write job; returns false if the queue is at
// maxPendingWrites (global backpressure signal).
func (dw *DiskWriter) Submit(job verifiedWriteJob) bool {
	if dw.PendingCount() >= dw.maxPending {
		return false
	}
	atomic.AddInt64(&dw.pending, 1)
	select {
	case dw.jobs <- job:
		return true
	default:
		atomic.AddInt64(&dw.pending, -1)
		return false
	}
}

// DrainCompletions pops the whole completion batch currently available,
// per spec.md §4.7 step 2 ("the scheduler drains a batch queue at the
// start of each tick").
func (dw *DiskWriter) DrainCompletions() []WriteCompletion {
	var out []WriteCompletion
	for {
		select {
		case c := <-dw.completions:
			out = append(out, c)
		default:
			return out
		}
	}
}

func (dw *DiskWriter) Close() {
	close(dw.stop)
}

func (dw *DiskWriter) allocCallbackID() uint64 {
	return atomic.AddUint64(&dw.nextID, 1)
}
