package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"quorumlog/internal/wire"
)

var (
	// Bucket names
	entriesBucket = []byte("entries")
	segMetaBucket = []byte("meta")

	// Segment metadata keys
	sealedKey   = []byte("sealed")
	sealedAtKey = []byte("sealedAt")
)

// segment is one bounded slice of the log, backed by its own bbolt file. Entries are
// keyed by big-endian index so bbolt's cursor iterates them in log order. bbolt fsyncs
// on every committed transaction, which is what makes an append durable.
type segment struct {
	baseOffset uint64
	path       string
	db         *bbolt.DB

	sealed   bool
	sealedAt time.Time

	// lastIndex is baseOffset-1 while the segment is empty.
	lastIndex uint64
	sizeBytes int64
}

func segmentPath(dir string, baseOffset uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d.db", baseOffset))
}

// createSegment creates a fresh, unsealed segment starting at baseOffset.
func createSegment(dir string, baseOffset uint64) (*segment, error) {
	path := segmentPath(dir, baseOffset)
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(segMetaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize segment buckets: %w", err)
	}

	return &segment{
		baseOffset: baseOffset,
		path:       path,
		db:         db,
		lastIndex:  baseOffset - 1,
	}, nil
}

// openSegment opens an existing segment file and rebuilds its in-memory bookkeeping
// (seal state, last index, size) from the stored data.
func openSegment(path string, baseOffset uint64) (*segment, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment at %s: %w", path, err)
	}

	s := &segment{
		baseOffset: baseOffset,
		path:       path,
		db:         db,
		lastIndex:  baseOffset - 1,
	}

	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(segMetaBucket)
		if meta == nil {
			return fmt.Errorf("segment %s has no meta bucket", path)
		}
		if v := meta.Get(sealedKey); len(v) == 1 && v[0] == 1 {
			s.sealed = true
		}
		if v := meta.Get(sealedAtKey); len(v) == 8 {
			s.sealedAt = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}

		bucket := tx.Bucket(entriesBucket)
		if bucket == nil {
			return fmt.Errorf("segment %s has no entries bucket", path)
		}
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			s.sizeBytes += int64(len(k) + len(v))
			s.lastIndex = bytesToUint64(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// append stores a batch of already-sealed entries in a single transaction. The caller
// guarantees contiguity; the transaction commit is the durability point.
func (s *segment) append(entries []*wire.LogEntry) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		for _, entry := range entries {
			key := uint64ToBytes(entry.Index)
			data := wire.Marshal(entry)
			if err := bucket.Put(key, data); err != nil {
				return err
			}
			s.sizeBytes += int64(len(key) + len(data))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to segment %d: %w", s.baseOffset, err)
	}
	s.lastIndex = entries[len(entries)-1].Index
	return nil
}

// get reads and decodes the entry at index. Checksum validation is the caller's job.
func (s *segment) get(index uint64) (*wire.LogEntry, error) {
	var entry *wire.LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(uint64ToBytes(index))
		if data == nil {
			return ErrNotFound
		}
		entry = &wire.LogEntry{}
		return wire.Unmarshal(data, entry)
	})
	return entry, err
}

// truncateFrom deletes every entry with index >= index and unseals the segment so it
// can become the active tail again.
func (s *segment) truncateFrom(index uint64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		cursor := bucket.Cursor()

		start := uint64ToBytes(index)
		for k, v := cursor.Seek(start); k != nil; k, v = cursor.Next() {
			s.sizeBytes -= int64(len(k) + len(v))
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		return tx.Bucket(segMetaBucket).Put(sealedKey, []byte{0})
	})
	if err != nil {
		return fmt.Errorf("failed to truncate segment %d from index %d: %w", s.baseOffset, index, err)
	}

	s.sealed = false
	s.sealedAt = time.Time{}
	if index <= s.baseOffset {
		s.lastIndex = s.baseOffset - 1
	} else {
		s.lastIndex = index - 1
	}
	return nil
}

// seal marks the segment read-only. Sealed segments are never appended to again, only
// read or deleted.
func (s *segment) seal() error {
	now := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(segMetaBucket)
		if err := meta.Put(sealedKey, []byte{1}); err != nil {
			return err
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))
		return meta.Put(sealedAtKey, ts[:])
	})
	if err != nil {
		return fmt.Errorf("failed to seal segment %d: %w", s.baseOffset, err)
	}
	s.sealed = true
	s.sealedAt = now
	return nil
}

func (s *segment) info() SegmentInfo {
	return SegmentInfo{
		BaseOffset: s.baseOffset,
		LastIndex:  s.lastIndex,
		SizeBytes:  s.sizeBytes,
		Sealed:     s.sealed,
		SealedAt:   s.sealedAt,
	}
}

func (s *segment) close() error {
	return s.db.Close()
}

// remove closes the segment and deletes its backing file.
func (s *segment) remove() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
