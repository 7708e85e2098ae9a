package storage

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy selects how the low-water mark for segment deletion is computed.
type RetentionPolicy string

const (
	// RetainBySnapshot deletes segments whose entire range is covered by the latest
	// snapshot.
	RetainBySnapshot RetentionPolicy = "snapshot"
	// RetainByTime additionally requires a segment to have been sealed longer ago than
	// the retention window. A covering snapshot is still mandatory: age alone never
	// justifies discarding entries that could not be recovered from a checkpoint.
	RetainByTime RetentionPolicy = "time"
)

// RetentionController periodically deletes log segments that fall below the low-water
// mark. It owns the deletion decision; the log only exposes which segments are sealed
// and what ranges they cover.
type RetentionController struct {
	log    LogStore
	snaps  *SnapshotStore
	policy RetentionPolicy
	window time.Duration
	logger zerolog.Logger
}

// NewRetentionController wires a controller over a log and its snapshot store.
func NewRetentionController(log LogStore, snaps *SnapshotStore, policy RetentionPolicy, window time.Duration, logger zerolog.Logger) *RetentionController {
	return &RetentionController{
		log:    log,
		snaps:  snaps,
		policy: policy,
		window: window,
		logger: logger,
	}
}

// Run sweeps at the given interval until stopCh closes. It should be called as a
// goroutine.
func (r *RetentionController) Run(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := r.Sweep()
			if err != nil {
				r.logger.Warn().Err(err).Msg("retention sweep failed")
			} else if deleted > 0 {
				r.logger.Info().Int("segments", deleted).Msg("retention sweep deleted segments")
			}
		case <-stopCh:
			return
		}
	}
}

// Sweep deletes every segment currently below the low-water mark and returns how many
// were removed. Safe to call concurrently with appends; deletion only ever touches
// sealed segments at the front of the log.
func (r *RetentionController) Sweep() (int, error) {
	snap, err := r.snaps.Latest()
	if err != nil {
		return 0, fmt.Errorf("retention: loading latest snapshot: %w", err)
	}
	if snap == nil {
		// Nothing is reclaimable until a checkpoint covers it.
		return 0, nil
	}

	// Segments strictly below lastIncludedIndex+1 are fully covered by the snapshot.
	candidates := r.log.SegmentsBefore(snap.LastIncludedIndex + 1)

	deleted := 0
	for _, info := range candidates {
		if r.policy == RetainByTime && time.Since(info.SealedAt) < r.window {
			// Candidates are ordered oldest first; once one is too young, the rest are
			// younger still.
			break
		}
		if err := r.log.DeleteSegment(info.BaseOffset); err != nil {
			return deleted, fmt.Errorf("retention: deleting segment %d: %w", info.BaseOffset, err)
		}
		r.logger.Debug().
			Uint64("baseOffset", info.BaseOffset).
			Uint64("lastIndex", info.LastIndex).
			Msg("deleted log segment below low-water mark")
		deleted++
	}
	return deleted, nil
}
