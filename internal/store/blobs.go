package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"scribevault/internal/container"
)

// WriteBlob stores a named auxiliary blob under the task, overwriting any
// previous content wholesale. Names are flat (no slashes) and must not
// collide with the task's structural children.
func (s *Store) WriteBlob(session string, t TaskType, name string, data []byte) error {
	if err := validSession(session); err != nil {
		return err
	}
	if err := validBlobName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return err
	}
	if err := s.requireTaskLocked(w, session, t); err != nil {
		return err
	}
	if err := w.Put(blobPath(session, t, name), data); err != nil {
		return err
	}
	return w.Sync()
}

// ReadBlob returns the named blob's content.
// Returns ErrBlobNotFound when the blob (or the container) is absent.
func (s *Store) ReadBlob(session string, t TaskType, name string) ([]byte, error) {
	if err := validBlobName(name); err != nil {
		return nil, err
	}
	snap, ok, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("blob %s of task %s for session %s: %w", name, t, session, ErrBlobNotFound)
	}
	defer func() { _ = snap.Close() }()

	data, err := snap.Get(blobPath(session, t, name))
	if errors.Is(err, container.ErrNotFound) {
		return nil, fmt.Errorf("blob %s of task %s for session %s: %w", name, t, session, ErrBlobNotFound)
	}
	return data, err
}

// ListBlobs returns the task's auxiliary blob names, sorted. Structural
// children (job_metadata, chunks, segments) are not blobs and are
// excluded. A missing container or task yields an empty list.
func (s *Store) ListBlobs(session string, t TaskType) ([]string, error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return nil, err
	}
	defer func() { _ = snap.Close() }()

	prefix := taskPath(session, t) + "/"
	var names []string
	for _, key := range snap.Keys(prefix) {
		name := key[len(prefix):]
		if name == metadataDataset || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
