package container

import (
	"os"
	"path/filepath"
)

// Snapshot is a read-only view of a container's committed state at open
// time. Snapshots hold their own file descriptor and never block, nor are
// blocked by, the writer. Writes committed after the snapshot was opened
// are not visible; re-open to observe fresh state.
type Snapshot struct {
	file  *os.File
	index map[string]entry
}

// OpenSnapshot opens a read-only view of the container at path.
// A missing file surfaces the fs.ErrNotExist from os.Open so callers can
// degrade existence checks to empty state; a present but foreign or
// corrupt file fails with ErrInvalidContainer.
func OpenSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	index, _, _, err := scan(file, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Snapshot{file: file, index: index}, nil
}

// Get returns the payload of the dataset at path as of snapshot time.
// Returns ErrNotFound if the path has no committed dataset.
func (s *Snapshot) Get(path string) ([]byte, error) {
	e, ok := s.index[path]
	if !ok {
		return nil, ErrNotFound
	}
	return readEntry(s.file, e)
}

// Has reports whether path had a committed dataset at snapshot time.
func (s *Snapshot) Has(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Keys returns the sorted dataset paths under prefix, consulting only the
// index. No payloads are read or decoded.
func (s *Snapshot) Keys(prefix string) []string {
	return indexKeys(s.index, prefix)
}

// Close releases the snapshot's file descriptor.
func (s *Snapshot) Close() error {
	return s.file.Close()
}
