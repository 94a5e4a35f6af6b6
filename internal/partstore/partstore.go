// Package partstore persists part artifacts: one directory per request id
// holding numbered {part}.json files, each a single encryption envelope.
//
// Writes go through a temp file, fsync, and rename so a part is either fully
// durable at its final path or absent. The tracker cursor is only advanced
// after the rename, which is what makes crash retries safe.
package partstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"setu/internal/crypto"
	id "setu/pkg/domain"
	"setu/pkg/platform/sentinel"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store reads and writes encrypted part files under a root directory.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create results directory %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Path returns the on-disk location of a part file.
func (s *Store) Path(requestID id.RequestID, part int) string {
	return filepath.Join(s.root, requestID.String(), fmt.Sprintf("%d.json", part))
}

// Write persists an envelope at its final location. The rename is the commit
// point; a crash before it leaves at most a stale temp file.
func (s *Store) Write(requestID id.RequestID, part int, env *crypto.Envelope) error {
	dir := filepath.Join(s.root, requestID.String())
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create part directory: %w", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d-*.tmp", part))
	if err != nil {
		return fmt.Errorf("create temp part file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write part file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync part file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod part file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(requestID, part)); err != nil {
		return fmt.Errorf("commit part file: %w", err)
	}
	return nil
}

// Read loads the envelope for a part, returning sentinel.ErrNotFound when the
// file does not exist.
func (s *Store) Read(requestID id.RequestID, part int) (*crypto.Envelope, error) {
	data, err := os.ReadFile(s.Path(requestID, part))
	if os.IsNotExist(err) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read part file: %w", err)
	}

	var env crypto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal part envelope: %w", err)
	}
	return &env, nil
}

// Exists reports whether a part has been committed.
func (s *Store) Exists(requestID id.RequestID, part int) bool {
	_, err := os.Stat(s.Path(requestID, part))
	return err == nil
}
