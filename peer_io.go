package torrent

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/anacrolix/log"

	"github.com/coldharbor-io/torrentcore/bitfield"
	"github.com/coldharbor-io/torrentcore/chunkedbuffer"
	"github.com/coldharbor-io/torrentcore/metrics"
	pp "github.com/coldharbor-io/torrentcore/peer_protocol"
)

// doHandshake runs the BEP 3 handshake exchange (spec.md §4.2 step 1) with
// the configured timeout. It does not touch the scheduling domain lock.
func doHandshake(ctx context.Context, conn net.Conn, infoHash [20]byte, peerID [20]byte, timeout time.Duration) (pp.Handshake, error) {
	deadline := time.Now().Add(timeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	out := pp.Handshake{
		Reserved: pp.NewExtensionBits(true, true),
		InfoHash: infoHash,
		PeerId:   peerID,
	}
	if _, err := conn.Write(out.Marshal()); err != nil {
		return pp.Handshake{}, err
	}
	buf := make([]byte, pp.HandshakeLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return pp.Handshake{}, err
	}
	in, err := pp.UnmarshalHandshake(buf)
	if err != nil {
		return pp.Handshake{}, err
	}
	if in.InfoHash != infoHash {
		return pp.Handshake{}, pp.ErrBadHandshake
	}
	return in, nil
}

// readLoop owns the socket's read side: it reads raw bytes into the
// ChunkedBuffer, peels off length-prefixed frames, and for PIECE messages
// performs the zero-copy landing sequence from spec.md §4.2 — parse the
// 9-byte header, ask the ActivePieceManager for the destination, then
// CopyTo directly into it without an intermediate allocation.
func (ps *PeerSession) readLoop() {
	defer ps.t.handlePeerClosed(ps)
	var recvBuf chunkedbuffer.Buffer
	raw := make([]byte, 64*1024)
	for {
		if ps.closed.IsSet() {
			return
		}
		ps.conn.SetReadDeadline(time.Now().Add(ps.t.cfg.IdleTimeout))
		n, err := ps.conn.Read(raw)
		if n > 0 {
			chunk := chunkedbuffer.Get(n)
			copy(chunk, raw[:n])
			recvBuf.Push(chunk)
		}
		if err != nil {
			ps.t.withLock(func() {
				ps.t.handlePeerIOError(ps, err)
			})
			return
		}
		for {
			consumed, fatal := ps.drainOneFrame(&recvBuf)
			if fatal != nil {
				ps.t.withLock(func() {
					ps.t.handlePeerIOError(ps, fatal)
				})
				return
			}
			if !consumed {
				break
			}
		}
	}
}

// drainOneFrame attempts to parse exactly one length-prefixed frame from
// buf. Returns consumed=false if buf doesn't yet hold a whole frame.
func (ps *PeerSession) drainOneFrame(buf *chunkedbuffer.Buffer) (consumed bool, err error) {
	if buf.Len() < 4 {
		return false, nil
	}
	length, err := buf.PeekU32BE(0)
	if err != nil {
		return false, nil
	}
	if length == 0 {
		// Keepalive.
		buf.Discard(4)
		ps.t.withLock(func() { ps.lastMessageReceived = time.Now() })
		return true, nil
	}
	if length > pp.MaxMessageBytes {
		return false, pp.ErrOversizeMessage
	}
	if buf.Len() < 4+int(length) {
		return false, nil
	}

	var idByte [1]byte
	if err := buf.CopyTo(idByte[:], 0, 4, 1); err != nil {
		return false, err
	}
	id := pp.MessageId(idByte[0])

	if id == pp.Piece && length >= pp.PieceHeaderLen {
		if err := ps.landPieceZeroCopy(buf, length); err != nil {
			return false, err
		}
		return true, nil
	}

	body, err := buf.Consume(4 + int(length))
	if err != nil {
		return false, err
	}
	msg, err := pp.DecodeBody(id, body[5:])
	if err != nil {
		return false, err
	}
	ps.t.withLock(func() {
		ps.lastMessageReceived = time.Now()
		ps.t.handlePeerMessage(ps, msg)
	})
	return true, nil
}

// landPieceZeroCopy implements spec.md §4.2's zero-copy PIECE path: header
// fields are peeked without allocation, the destination is resolved while
// holding the scheduling lock, and the block bytes are copied straight
// from the ChunkedBuffer into the ActivePiece buffer in one CopyTo call.
func (ps *PeerSession) landPieceZeroCopy(buf *chunkedbuffer.Buffer, length uint32) error {
	var hdr [9]byte
	if err := buf.CopyTo(hdr[:], 0, 4, 9); err != nil {
		return err
	}
	index := pieceIndex(binary.BigEndian.Uint32(hdr[1:5]))
	begin := binary.BigEndian.Uint32(hdr[5:9])
	blockLen := int(length) - pp.PieceHeaderLen

	var dest []byte
	var destOff int
	var accepted bool
	var fullyResponded bool
	ps.t.withLock(func() {
		ps.lastMessageReceived = time.Now()
		ps.lastUsefulReceived = time.Now()
		dest, destOff, accepted = ps.t.pieces.destinationFor(index, begin, uint32(blockLen))
		if !accepted {
			metrics.ChunksReceived.WithLabelValues("discarded").Inc()
			return
		}
	})
	if !accepted {
		return buf.Discard(4 + int(length))
	}
	if err := buf.CopyTo(dest, destOff, 4+9, blockLen); err != nil {
		return err
	}
	if err := buf.Discard(4 + int(length)); err != nil {
		return err
	}
	ps.t.withLock(func() {
		blockIndex := int(begin / BlockSize)
		ps.clearRequest(Request{Index: index, Begin: begin, Length: uint32(blockLen)})
		var otherHolders []PeerId
		fullyResponded, otherHolders = ps.t.pieces.commitBlock(index, blockIndex, ps.id)
		ps.downloadedBytes += int64(blockLen)
		metrics.ChunksReceived.WithLabelValues("accepted").Inc()
		if fullyResponded {
			ps.t.enqueuePieceForHash(index)
		}
		for _, holder := range otherHolders {
			if other, ok := ps.t.peerByID(holder); ok {
				other.cancelRequest(Request{Index: index, Begin: begin, Length: uint32(blockLen)})
			}
		}
	})
	return nil
}

// writeLoop drains the PeerSession's outgoing message channel onto the
// socket, including periodic keepalives, mirroring the teacher's dedicated
// message-writer goroutine (peer-conn-msg-writer.go) kept off the
// scheduling domain's lock.
func (ps *PeerSession) writeLoop() {
	keepalive := time.NewTicker(ps.t.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ps.closed.Done():
			return
		case m := <-ps.writeCh:
			if _, err := ps.conn.Write(m.Marshal()); err != nil {
				ps.logger.WithDefaultLevel(log.Debug).Printf("write error: %v", err)
				ps.close()
				return
			}
		case <-keepalive.C:
			var useful bool
			ps.t.withLock(func() { useful = ps.useful() })
			if !useful {
				ps.t.withLock(func() { ps.t.dropPeer(ps, fmt.Errorf("not useful")) })
				return
			}
			zero := make([]byte, 4)
			if _, err := ps.conn.Write(zero); err != nil {
				ps.close()
				return
			}
		}
	}
}

func (ps *PeerSession) handleBitfieldMessage(raw []byte) error {
	bf, err := bitfield.FromBytes(ps.t.mi.PieceCount(), raw)
	if err != nil {
		return fmt.Errorf("bad bitfield: %w", err)
	}
	ps.peerBitfield = bf
	return nil
}
