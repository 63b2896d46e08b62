// Package payload manages the raw perceptual payloads referenced by level
// 0/1 nodes. The tree only tracks presence; the bytes live behind this
// store.
package payload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound means no payload exists for the node.
var ErrNotFound = errors.New("payload not found")

// Store is the raw media lifecycle consumed by the Gardener and the
// editing engine.
type Store interface {
	// Has reports whether a payload exists for the node.
	Has(nodeID string) (bool, error)
	// Get returns the payload bytes for re-perception.
	Get(nodeID string) ([]byte, error)
	// Downgrade replaces the payload with a lossier representation.
	Downgrade(nodeID string) error
	// Delete removes the payload entirely.
	Delete(nodeID string) error
}

// FSStore keeps payloads as files under a root directory, one file per
// node id, with downgraded copies under downgraded/.
type FSStore struct {
	root string
}

// NewFSStore creates the payload root if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "downgraded"), 0755); err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

// DefaultPayloadDir returns ~/.arbor/payloads.
func DefaultPayloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".arbor", "payloads"), nil
}

func (s *FSStore) path(nodeID string) string {
	return filepath.Join(s.root, nodeID)
}

func (s *FSStore) downgradedPath(nodeID string) string {
	return filepath.Join(s.root, "downgraded", nodeID)
}

func (s *FSStore) Has(nodeID string) (bool, error) {
	for _, p := range []string{s.path(nodeID), s.downgradedPath(nodeID)} {
		if _, err := os.Stat(p); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("stat payload %s: %w", nodeID, err)
		}
	}
	return false, nil
}

func (s *FSStore) Get(nodeID string) ([]byte, error) {
	for _, p := range []string{s.path(nodeID), s.downgradedPath(nodeID)} {
		b, err := os.ReadFile(p)
		if err == nil {
			return b, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read payload %s: %w", nodeID, err)
		}
	}
	return nil, fmt.Errorf("payload %s: %w", nodeID, ErrNotFound)
}

// Put stores a payload. Only the ingestion path calls this; it exists here
// so tests can seed payloads the same way ingestion would.
func (s *FSStore) Put(nodeID string, data []byte) error {
	if err := os.WriteFile(s.path(nodeID), data, 0644); err != nil {
		return fmt.Errorf("write payload %s: %w", nodeID, err)
	}
	return nil
}

// Downgrade moves the payload into downgraded/ storage. The real
// compression is the object layer's concern; the move is what the tree
// observes.
func (s *FSStore) Downgrade(nodeID string) error {
	src := s.path(nodeID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		// Already downgraded or never stored; nothing to do.
		return nil
	}
	if err := os.Rename(src, s.downgradedPath(nodeID)); err != nil {
		return fmt.Errorf("downgrade payload %s: %w", nodeID, err)
	}
	return nil
}

func (s *FSStore) Delete(nodeID string) error {
	for _, p := range []string{s.path(nodeID), s.downgradedPath(nodeID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete payload %s: %w", nodeID, err)
		}
	}
	return nil
}
