// ============================================================================
// Snapshot FileStore - atomic JSON file
// ============================================================================
//
// Package: internal/snapshot
// File: file_store.go
// Function: Keeps the latest statistics snapshot in one JSON file and a
//           bounded number of numbered backups next to it.
//
// Write protocol:
//   1. rotate the current file to <path>.<seq of that snapshot>
//   2. write the new snapshot to <path>.tmp
//   3. rename <path>.tmp -> <path> (atomic on POSIX)
//   4. prune backups beyond the retention count
//
// A reader therefore sees either the old or the new file, never a torn one.
//
// ============================================================================

package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// FileStore 檔案快照儲存
type FileStore struct {
	path      string
	retention int // backups kept besides the current file
	mu        sync.Mutex
}

func NewFileStore(path string, retention int) *FileStore {
	if retention < 0 {
		retention = 0
	}
	return &FileStore{path: path, retention: retention}
}

// Save writes data atomically and rotates the previous snapshot.
func (s *FileStore) Save(data types.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := encode(data)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	if s.retention > 0 {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return s.prune()
}

func (s *FileStore) rotate() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read previous snapshot: %w", err)
	}
	prev, err := decode(b)
	if err != nil {
		// unreadable previous file is replaced, not kept
		return nil
	}
	backup := fmt.Sprintf("%s.%d", s.path, prev.Seq)
	if err := os.Rename(s.path, backup); err != nil {
		return fmt.Errorf("failed to backup old snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) prune() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	for len(backups) > s.retention {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to prune snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// Backups lists backup files, oldest first.
func (s *FileStore) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil, err
	}
	type backup struct {
		path string
		seq  uint64
	}
	var out []backup
	for _, m := range matches {
		seq, err := strconv.ParseUint(strings.TrimPrefix(m, s.path+"."), 10, 64)
		if err != nil {
			continue // .tmp and anything else
		}
		out = append(out, backup{m, seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	paths := make([]string, len(out))
	for i, b := range out {
		paths[i] = b.path
	}
	return paths, nil
}

// Latest loads the current snapshot file.
func (s *FileStore) Latest() (types.SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return types.SnapshotData{}, ErrSnapshotNotFound
	}
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decode(b)
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }
