package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// Scratch is a host-local directory private to one invocation.
type Scratch struct {
	InvocationID string
	Dir          string
}

// NewScratch creates <root>/<runID>/<unitID>/<invocation ULID>. Two attempts of
// the same unit, or two units on one worker, never share a directory.
func NewScratch(root, runID, unitID string) (*Scratch, error) {
	id := ulid.Make().String()
	dir := filepath.Join(root, runID, unitID, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{InvocationID: id, Dir: dir}, nil
}

// Remove deletes the scratch dir and prunes the now-empty unit directory.
func (s *Scratch) Remove() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	// Fails harmlessly while a sibling attempt still owns a directory.
	_ = os.Remove(filepath.Dir(s.Dir))
	return nil
}
