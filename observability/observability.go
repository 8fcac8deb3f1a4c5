// Package observability implements the read-only agent-info snapshot
// the original implementation calls its "loa-core" telemetry (spec.md
// §12 supplement): a small JSON blob recording executor identity,
// uptime, and per-thread ownership counts, written to
// config.ObservabilityConfig.StoragePath on a fixed interval when
// config.ObservabilityConfig.Enabled is set. This is diagnostic state
// only; Non-goals still forbid using it as a durable work queue.
package observability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/luxfi/automaton/config"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/types"
)

const snapshotInterval = 30 * time.Second

// OwnershipSource reports the LoadBalancer's current per-thread
// ownership bookkeeping, summarized for the snapshot.
type OwnershipSource interface {
	Tracking(thread types.Pubkey) types.ThreadTracking
	OwnedThreads() []types.Pubkey
}

// Snapshot is the on-disk shape written to StoragePath.
type Snapshot struct {
	Executor     string    `json:"executor"`
	StartedAt    time.Time `json:"started_at"`
	UptimeSecs   int64     `json:"uptime_secs"`
	OwnedThreads int       `json:"owned_threads"`
	WrittenAt    time.Time `json:"written_at"`
}

// Recorder periodically snapshots agent state to disk.
type Recorder struct {
	executor  types.Pubkey
	startedAt time.Time
	ownership OwnershipSource
	cfg       config.ObservabilityConfig
	logger    automatonlog.Logger
}

// New builds a Recorder. startedAt is the process start time, passed in
// rather than captured internally so callers control the clock.
func New(executor types.Pubkey, startedAt time.Time, ownership OwnershipSource, cfg config.ObservabilityConfig, logger automatonlog.Logger) *Recorder {
	return &Recorder{
		executor:  executor,
		startedAt: startedAt,
		ownership: ownership,
		cfg:       cfg,
		logger:    automatonlog.Component(logger, "observability"),
	}
}

// Run blocks, writing a snapshot every snapshotInterval until ctx is
// cancelled. It is a no-op when the feature is disabled, matching
// config.ObservabilityConfig.Enabled (spec.md §12 supplement).
func (r *Recorder) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	r.writeOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeOnce()
		}
	}
}

func (r *Recorder) writeOnce() {
	snap := r.buildSnapshot(time.Now())
	if err := r.write(snap); err != nil {
		r.logger.Warn("writing observability snapshot failed", "path", r.cfg.StoragePath, "error", err.Error())
	}
}

func (r *Recorder) buildSnapshot(now time.Time) Snapshot {
	return Snapshot{
		Executor:     r.executor.String(),
		StartedAt:    r.startedAt,
		UptimeSecs:   int64(now.Sub(r.startedAt).Seconds()),
		OwnedThreads: len(r.ownership.OwnedThreads()),
		WrittenAt:    now,
	}
}

func (r *Recorder) write(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.cfg.StoragePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := r.cfg.StoragePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.cfg.StoragePath)
}
