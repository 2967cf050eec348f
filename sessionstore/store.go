// Package sessionstore implements the Session store contract from
// spec.md §6: get/set/delete/keys over a flat byte-string key space, used
// to persist per-torrent resume state across restarts.
package sessionstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"
)

// Store is the contract the core's persistence layer depends on.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// StateKey, MetaKey and PeersKey build the key namespace from spec.md §3/§6:
// torrent:<hexInfoHash>:{state,meta,peers}.
func StateKey(hexInfoHash string) string { return fmt.Sprintf("torrent:%s:state", hexInfoHash) }
func MetaKey(hexInfoHash string) string  { return fmt.Sprintf("torrent:%s:meta", hexInfoHash) }
func PeersKey(hexInfoHash string) string { return fmt.Sprintf("torrent:%s:peers", hexInfoHash) }

// State is the versioned resume structure from spec.md §6. Encoding must
// round-trip exactly; we use a small fixed binary layout rather than a
// generic serialization library since the shape is simple and stable.
type State struct {
	Version     uint32
	Bitfield    []byte
	Downloaded  uint64
	Uploaded    uint64
	AddedAt     uint64
	CompletedAt *uint64
}

const stateVersion = 1

// Marshal encodes a State to bytes for storage.Set.
func (s State) Marshal() []byte {
	var buf bytes.Buffer
	var hdr [4 + 4 + 8 + 8 + 8 + 1]byte
	binary.BigEndian.PutUint32(hdr[0:4], stateVersion)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(s.Bitfield)))
	binary.BigEndian.PutUint64(hdr[8:16], s.Downloaded)
	binary.BigEndian.PutUint64(hdr[16:24], s.Uploaded)
	binary.BigEndian.PutUint64(hdr[24:32], s.AddedAt)
	if s.CompletedAt != nil {
		hdr[32] = 1
	}
	buf.Write(hdr[:])
	buf.Write(s.Bitfield)
	if s.CompletedAt != nil {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], *s.CompletedAt)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// Unmarshal decodes a State previously produced by Marshal.
func Unmarshal(raw []byte) (State, error) {
	var s State
	if len(raw) < 33 {
		return s, fmt.Errorf("sessionstore: truncated state (%d bytes)", len(raw))
	}
	s.Version = binary.BigEndian.Uint32(raw[0:4])
	bfLen := binary.BigEndian.Uint32(raw[4:8])
	s.Downloaded = binary.BigEndian.Uint64(raw[8:16])
	s.Uploaded = binary.BigEndian.Uint64(raw[16:24])
	s.AddedAt = binary.BigEndian.Uint64(raw[24:32])
	hasCompleted := raw[32] == 1
	off := 33
	if uint32(len(raw)-off) < bfLen {
		return s, fmt.Errorf("sessionstore: truncated bitfield")
	}
	s.Bitfield = append([]byte(nil), raw[off:off+int(bfLen)]...)
	off += int(bfLen)
	if hasCompleted {
		if len(raw)-off < 8 {
			return s, fmt.Errorf("sessionstore: truncated completedAt")
		}
		v := binary.BigEndian.Uint64(raw[off : off+8])
		s.CompletedAt = &v
	}
	return s, nil
}

var bucketName = []byte("torrentcore")

// BoltStore is the default Store backend, a single go.etcd.io/bbolt file,
// grounded on the pack's own storage/bolt-piece_test.go precedent for
// using bbolt as the embedded persistence engine.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string) (val []byte, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	return
}

func (s *BoltStore) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

func (s *BoltStore) Keys(prefix string) (keys []string, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return
}

func (s *BoltStore) Close() error { return s.db.Close() }

// MemStore is an in-memory Store used in tests and by hosts without a
// filesystem (spec.md §9 "capability-trait adapters... in-memory for
// tests").
type MemStore struct {
	data map[string][]byte
}

func NewMemStore() *MemStore { return &MemStore{data: make(map[string][]byte)} }

func (m *MemStore) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemStore) Set(key string, value []byte) error {
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func (m *MemStore) Keys(prefix string) (keys []string, err error) {
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return
}

func (m *MemStore) Close() error { return nil }
