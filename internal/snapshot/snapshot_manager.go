// ============================================================================
// Snapshot Manager - periodic statistics dumps
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Function: Periodically walks every queue's statistics and persists them
//           so tools outside the process can inspect pool state (the
//           `jobqd inspect` command reads them back).
//
// Sequence numbers continue from the latest stored snapshot, so restarts
// never reuse a key.
//
// ============================================================================

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// StatsSource provides point-in-time queue statistics.
type StatsSource interface {
	Stats() []types.QueueStats
}

// Manager 快照管理器
type Manager struct {
	store    Store
	source   StatsSource
	interval time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	seq uint64
}

// NewManager resumes the sequence from store's latest snapshot.
func NewManager(store Store, source StatsSource, interval time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    store,
		source:   source,
		interval: interval,
		logger:   logger.With("component", "snapshot"),
	}
	latest, err := store.Latest()
	switch {
	case err == nil:
		m.seq = latest.Seq
	case errors.Is(err, ErrSnapshotNotFound):
	case errors.Is(err, ErrCorruptedSnapshot), errors.Is(err, ErrIncompatibleVersion):
		m.logger.Warn("ignoring unreadable snapshot", "error", err)
	default:
		return nil, fmt.Errorf("snapshot: resume sequence: %w", err)
	}
	return m, nil
}

// Take records one snapshot now.
func (m *Manager) Take() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := types.SnapshotData{
		Seq:       m.seq + 1,
		TakenAt:   time.Now().UTC(),
		SchemaVer: SchemaVersion,
		Queues:    m.source.Stats(),
	}
	if err := m.store.Save(data); err != nil {
		return data, err
	}
	m.seq = data.Seq
	return data, nil
}

// Run takes a snapshot every interval until ctx is done, then one last time.
func (m *Manager) Run(ctx context.Context) error {
	if m.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := m.Take(); err != nil {
				m.logger.Error("final snapshot failed", "error", err)
			}
			return nil
		case <-ticker.C:
			data, err := m.Take()
			if err != nil {
				m.logger.Error("snapshot failed", "error", err)
				continue
			}
			m.logger.Debug("snapshot taken", "seq", data.Seq, "queues", len(data.Queues))
		}
	}
}

// Seq returns the sequence number of the last successful snapshot.
func (m *Manager) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}
