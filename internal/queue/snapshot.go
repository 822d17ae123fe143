package queue

// ============================================================================
// Responsibilities:
// 1. Serialize the in-memory queue to a JSON snapshot file
// 2. Write atomically (temp file + rename) so a crash never leaves a torn file
// 3. Check the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// SnapshotSchemaVersion is the only snapshot layout this package reads.
const SnapshotSchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SnapshotData is the persisted form of a Memory engine.
type SnapshotData struct {
	Jobs      map[types.JobID]*types.Job `json:"jobs"`
	Seq       uint64                     `json:"seq"`
	SchemaVer int                        `json:"schema_version"`
}

// Snapshotter reads and writes queue snapshots.
type Snapshotter struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotter creates a snapshotter for path.
func NewSnapshotter(path string) *Snapshotter {
	return &Snapshotter{path: path}
}

// Path returns the snapshot file path.
func (s *Snapshotter) Path() string { return s.path }

// Write stores data atomically.
func (s *Snapshotter) Write(data SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = SnapshotSchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields empty data (first start).
func (s *Snapshotter) Load() (SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data SnapshotData
	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{
				Jobs:      make(map[types.JobID]*types.Job),
				SchemaVer: SnapshotSchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SnapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SnapshotSchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}
