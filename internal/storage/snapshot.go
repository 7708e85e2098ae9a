package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"quorumlog/internal/wire"
)

// snapshotsToKeep is how many snapshot generations survive a save. Keeping one spare
// means a crash mid-write never leaves the node without a loadable checkpoint.
const snapshotsToKeep = 2

// SnapshotStore persists compacting checkpoints of the applied state. Each snapshot is
// a single file named after the last log position it covers; loading picks the highest
// one. Files are written to a temp name and renamed so a partial write is never
// mistaken for a valid snapshot.
type SnapshotStore struct {
	dir string
}

// OpenSnapshotStore opens (or creates) the snapshot directory.
func OpenSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(lastIncludedIndex, lastIncludedTerm uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("snapshot-%020d-%020d.snap", lastIncludedIndex, lastIncludedTerm))
}

// Save durably stores a snapshot and prunes superseded generations.
func (s *SnapshotStore) Save(snap *wire.Snapshot) error {
	final := s.path(snap.LastIncludedIndex, snap.LastIncludedTerm)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := f.Write(wire.Marshal(snap)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	return s.prune()
}

// Latest loads the most recent snapshot, or returns (nil, nil) when none exists.
func (s *SnapshotStore) Latest() (*wire.Snapshot, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap := &wire.Snapshot{}
	if err := wire.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// list returns snapshot paths sorted ascending by covered index (the zero-padded file
// names make lexical order equal numeric order).
func (s *SnapshotStore) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "snapshot-*.snap"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *SnapshotStore) prune() error {
	files, err := s.list()
	if err != nil {
		return err
	}
	for len(files) > snapshotsToKeep {
		if err := os.Remove(files[0]); err != nil {
			return err
		}
		files = files[1:]
	}
	return nil
}
