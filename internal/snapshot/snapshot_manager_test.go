package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

type countingSource struct{ calls atomic.Int64 }

func (c *countingSource) Stats() []types.QueueStats {
	n := c.calls.Add(1)
	return []types.QueueStats{{Name: "q1", TotalJobs: uint64(n)}}
}

func openStores(t *testing.T, retention int) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadgerStore("", retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), "stats.json"), retention),
		"badger": badgerStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range openStores(t, 2) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Latest()
			assert.ErrorIs(t, err, ErrSnapshotNotFound)

			for seq := uint64(1); seq <= 3; seq++ {
				require.NoError(t, store.Save(types.SnapshotData{
					Seq:    seq,
					Queues: []types.QueueStats{{Name: "q1", Backlog: int64(seq)}},
				}))
			}

			latest, err := store.Latest()
			require.NoError(t, err)
			assert.Equal(t, uint64(3), latest.Seq)
			assert.Equal(t, SchemaVersion, latest.SchemaVer)
			require.Len(t, latest.Queues, 1)
			assert.Equal(t, int64(3), latest.Queues[0].Backlog)
		})
	}
}

func TestFileStoreRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	store := NewFileStore(path, 2)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, store.Save(types.SnapshotData{Seq: seq}))
	}
	backups, err := store.Backups()
	require.NoError(t, err)
	assert.Equal(t, []string{path + ".3", path + ".4"}, backups)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestBadgerStoreRetention(t *testing.T) {
	store, err := OpenBadgerStore("", 2)
	require.NoError(t, err)
	defer store.Close()

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, store.Save(types.SnapshotData{Seq: seq}))
	}
	_, err = store.Get(2)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	got, err := store.Get(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Seq)
}

func TestBadgerStoreOrdersNumerically(t *testing.T) {
	store, err := OpenBadgerStore("", 0)
	require.NoError(t, err)
	defer store.Close()

	// 256 sorts before 9 as text but not as a big-endian key
	require.NoError(t, store.Save(types.SnapshotData{Seq: 256}))
	require.NoError(t, store.Save(types.SnapshotData{Seq: 9}))

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(256), latest.Seq)
}

func TestFileStoreCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("{invalid json"), 0o644))

	_, err := NewFileStore(path, 0).Latest()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestFileStoreIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 99, "seq": 1}`), 0o644))

	_, err := NewFileStore(path, 0).Latest()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestManagerResumesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	store := NewFileStore(path, 0)
	require.NoError(t, store.Save(types.SnapshotData{Seq: 41}))

	src := &countingSource{}
	m, err := NewManager(store, src, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), m.Seq())

	data, err := m.Take()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), data.Seq)
	assert.False(t, data.TakenAt.IsZero())

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), latest.Seq)
	assert.Equal(t, uint64(1), latest.Queues[0].TotalJobs)
}

func TestManagerRunTakesFinalSnapshot(t *testing.T) {
	store, err := OpenBadgerStore("", 0)
	require.NoError(t, err)
	defer store.Close()

	src := &countingSource{}
	m, err := NewManager(store, src, 5*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Seq() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, m.Seq(), latest.Seq)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("etcd", "x", 0)
	assert.Error(t, err)
}
