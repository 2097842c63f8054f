package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// SchemaVersion is written into every snapshot and checked on load.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
)

// Store persists statistics snapshots.
type Store interface {
	Save(data types.SnapshotData) error
	// Latest returns the snapshot with the highest sequence number, or
	// ErrSnapshotNotFound.
	Latest() (types.SnapshotData, error)
	Close() error
}

func encode(data types.SnapshotData) ([]byte, error) {
	data.SchemaVer = SchemaVersion
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return b, nil
}

func decode(b []byte) (types.SnapshotData, error) {
	var data types.SnapshotData
	if err := json.Unmarshal(b, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Open returns the store for backend ("file" or "badger") at path.
func Open(backend, path string, retention int) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path, retention), nil
	case "badger":
		return OpenBadgerStore(path, retention)
	}
	return nil, fmt.Errorf("snapshot: unknown backend %q", backend)
}
