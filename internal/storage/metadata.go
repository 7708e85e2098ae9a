package storage

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	metadataBucket = []byte("metadata")

	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
)

// MetadataStore persists the server's term and vote in a small bbolt file, separate
// from the log segments so that term updates never contend with bulk appends.
type MetadataStore struct {
	conn *bbolt.DB
}

// OpenMetadataStore opens (or creates) the metadata database at path.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata bucket: %w", err)
	}

	return &MetadataStore{conn: db}, nil
}

// CurrentTerm retrieves the persisted term (0 on first boot).
func (m *MetadataStore) CurrentTerm() (uint64, error) {
	var term uint64
	err := m.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// SetCurrentTerm durably stores the term. The transaction commit includes an fsync, so
// a successful return means the term survives a crash.
func (m *MetadataStore) SetCurrentTerm(term uint64) error {
	return m.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(currentTermKey, uint64ToBytes(term))
	})
}

// VotedFor retrieves the candidate voted for in the current term, or nil.
func (m *MetadataStore) VotedFor() (*string, error) {
	var votedFor *string
	err := m.conn.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(metadataBucket).Get(votedForKey); data != nil {
			candidateID := string(data)
			votedFor = &candidateID
		}
		return nil
	})
	return votedFor, err
}

// SetVotedFor durably stores the vote; nil clears it for a new term.
func (m *MetadataStore) SetVotedFor(candidateID *string) error {
	return m.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if candidateID == nil {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(*candidateID))
	})
}

// Close closes the underlying database.
func (m *MetadataStore) Close() error {
	return m.conn.Close()
}
