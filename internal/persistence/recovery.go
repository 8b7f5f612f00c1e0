package persistence

import (
	"context"
	"fmt"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// Recover rebuilds the core from the latest verified snapshot plus the
// command log after it. It must run before the core starts serving.
// Returns the last replayed sequence.
func Recover(ctx context.Context, c *core.DeterministicCore, sm *SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) (int64, error) {
	start := time.Now()

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot, replaying full command log")
	}

	replayed := 0
	for {
		envs, err := sm.LoadCommandsFrom(ctx, c.GetSequence(), replayPageSize)
		if err != nil {
			return 0, fmt.Errorf("load commands from %d: %w", c.GetSequence(), err)
		}
		for _, env := range envs {
			if err := c.Replay(env); err != nil {
				return 0, err
			}
		}
		replayed += len(envs)
		if len(envs) < replayPageSize {
			break
		}
	}

	last := c.GetSequence() - 1
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int("replayed", replayed).
		Int64("sequence", last).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return last, nil
}

// StateSource runs fn on the core goroutine.
type StateSource interface {
	Query(ctx context.Context, fn func(c *core.DeterministicCore)) error
}

// Watermark reports the highest durably persisted sequence.
type Watermark interface {
	LastPersisted() int64
}

// Snapshotter periodically captures core state and stores it once every
// command it covers is persisted, so recovery never needs a command the
// log lacks.
type Snapshotter struct {
	source    StateSource
	watermark Watermark
	manager   *SnapshotManager
	every     int64 // commands between snapshots
	interval  time.Duration
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewSnapshotter(
	source StateSource,
	watermark Watermark,
	manager *SnapshotManager,
	every int64,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	if every <= 0 {
		every = 100_000
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Snapshotter{
		source:    source,
		watermark: watermark,
		manager:   manager,
		every:     every,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetLastSnapshot records the sequence of the snapshot recovery used.
func (s *Snapshotter) SetLastSnapshot(seq int64) {
	s.lastSeq = seq
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.MaybeSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// MaybeSnapshot takes a snapshot if enough commands were applied since the
// last one.
func (s *Snapshotter) MaybeSnapshot(ctx context.Context) error {
	start := time.Now()
	var snap *core.SnapshotState
	err := s.source.Query(ctx, func(c *core.DeterministicCore) {
		if c.GetSequence()-1-s.lastSeq >= s.every {
			snap = c.CreateSnapshotState()
		}
	})
	if err != nil || snap == nil {
		return err
	}

	if err := s.awaitPersisted(ctx, snap.Sequence); err != nil {
		return err
	}

	size, err := s.manager.SaveSnapshot(ctx, snap, start)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	if err := s.manager.VerifySnapshot(ctx, snap.Sequence); err != nil {
		return err
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *Snapshotter) awaitPersisted(ctx context.Context, seq int64) error {
	for s.watermark.LastPersisted() < seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}
