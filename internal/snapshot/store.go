// Package snapshot persists the latest engine snapshot to disk so status-bar
// scripts and the -last flag can read it without a running daemon. Exactly
// one snapshot is kept; the engine never reads it back.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"quotawatch/internal/engine"
)

const (
	defaultFileName = "status.json"
	schemaVersion   = 1
)

// Document is the on-disk shape of a written snapshot.
type Document struct {
	SchemaVersion int             `json:"schema_version"`
	WrittenAt     time.Time       `json:"written_at"`
	Snapshot      engine.Snapshot `json:"snapshot"`
}

// Store writes snapshots to a single file, atomically replacing the previous
// one.
type Store struct {
	mu       sync.Mutex
	filePath string
}

// New creates a store at path. An empty path resolves to
// <user cache dir>/quotawatch/status.json.
func New(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("snapshot store: create dir failed: %w", err)
	}
	return &Store{filePath: path}, nil
}

// DefaultPath returns the snapshot location used when none is configured.
func DefaultPath() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return filepath.Join(cacheDir, "quotawatch", defaultFileName)
}

// Path returns the resolved snapshot file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filePath
}

// Write replaces the snapshot file with the given state.
func (s *Store) Write(snap engine.Snapshot) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := Document{
		SchemaVersion: schemaVersion,
		WrittenAt:     time.Now().UTC(),
		Snapshot:      snap,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot store: marshal failed: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("snapshot store: write tmp failed: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("snapshot store: rename failed: %w", err)
	}
	return nil
}

// Read loads the last written snapshot document from path, or from the
// default location when path is empty.
func Read(path string) (*Document, error) {
	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: read failed: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("snapshot store: unmarshal failed: %w", err)
	}
	if doc.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("snapshot store: unsupported schema version %d", doc.SchemaVersion)
	}
	return &doc, nil
}
