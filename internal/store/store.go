package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"scribevault/internal/container"
	"scribevault/internal/logging"
)

type Config struct {
	// Path of the vault container file. Created (with parent directories)
	// on the first write; read operations tolerate its absence.
	Path     string
	FileMode os.FileMode
	Now      func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The store scopes this logger with component="task-store".
	Logger *slog.Logger
}

// Store is the task store over one vault container file.
//
// Concurrency: every write operation serializes through the store mutex,
// so at most one writer touches the container at any instant. Nested
// write paths call unexported *Locked helpers and never re-lock. Read
// operations open independent container snapshots and neither block nor
// are blocked by the writer; a reader sees the state committed before its
// snapshot was opened and must re-read to observe later writes.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	writer *container.Container // nil until the first write
	logger *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, container.ErrMissingPath
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, os.FileMode(0o644))
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "task-store"),
	}, nil
}

// Close releases the writer handle if one was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// Compact rewrites the container dropping superseded dataset versions.
func (s *Store) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return err
	}
	return w.Compact(ctx)
}

// writerLocked lazily opens the writable container. Caller must hold s.mu.
func (s *Store) writerLocked() (*container.Container, error) {
	if s.writer != nil {
		return s.writer, nil
	}
	w, err := container.Open(container.Config{
		Path:     s.cfg.Path,
		FileMode: s.cfg.FileMode,
		Logger:   s.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.writer = w
	return w, nil
}

// snapshot opens a read-only view. ok is false when the container file
// does not exist yet, which read operations treat as empty state.
func (s *Store) snapshot() (snap *container.Snapshot, ok bool, err error) {
	snap, err = container.OpenSnapshot(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// EnsureTask creates the task node with pending metadata and zero
// counters. If the task already exists, allowExisting selects between
// idempotent re-open (resume semantics) and ErrTaskExists.
func (s *Store) EnsureTask(session string, t TaskType, allowExisting bool) (TaskRef, error) {
	if err := validSession(session); err != nil {
		return TaskRef{}, err
	}
	if !t.Valid() {
		return TaskRef{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return TaskRef{}, err
	}

	ref := TaskRef{Session: session, Type: t}
	metaPath := metadataPath(session, t)
	if w.Has(metaPath) {
		if !allowExisting {
			return TaskRef{}, fmt.Errorf("task %s for session %s: %w", t, session, ErrTaskExists)
		}
		return ref, nil
	}

	now := s.cfg.Now()
	data, err := json.Marshal(Metadata{Status: StatusPending, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return TaskRef{}, err
	}
	if err := w.Put(metaPath, data); err != nil {
		return TaskRef{}, err
	}
	if err := w.Sync(); err != nil {
		return TaskRef{}, err
	}
	s.logger.Info("task created", "session", session, "task", t.String())
	return ref, nil
}

// TaskExists reports whether the task node exists. A missing container
// file degrades to false.
func (s *Store) TaskExists(session string, t TaskType) (bool, error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return false, err
	}
	defer func() { _ = snap.Close() }()
	return snap.Has(metadataPath(session, t)), nil
}

// ListTaskTypes returns the task types present under a session, sorted.
// A missing container or session yields an empty list.
func (s *Store) ListTaskTypes(session string) ([]TaskType, error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return nil, err
	}
	defer func() { _ = snap.Close() }()

	prefix := sessionPath(session) + "/tasks/"
	seen := make(map[string]bool)
	for _, key := range snap.Keys(prefix) {
		if node, _, ok := splitNode(key[len(prefix):]); ok {
			seen[node] = true
		}
	}
	types := make([]TaskType, 0, len(seen))
	for name := range seen {
		types = append(types, TaskType(name))
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types, nil
}

// Sessions returns every session id in the container, sorted.
func (s *Store) Sessions() ([]string, error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return nil, err
	}
	defer func() { _ = snap.Close() }()

	seen := make(map[string]bool)
	for _, key := range snap.Keys(sessionsPrefix) {
		if node, _, ok := splitNode(key[len(sessionsPrefix):]); ok {
			seen[node] = true
		}
	}
	sessions := make([]string, 0, len(seen))
	for name := range seen {
		sessions = append(sessions, name)
	}
	sort.Strings(sessions)
	return sessions, nil
}

// UpdateMetadata shallow-merges partial over the task's metadata record
// and stamps updated_at. Nested values replace the corresponding
// top-level key wholesale; there is no deep merge. The task must already
// exist.
func (s *Store) UpdateMetadata(session string, t TaskType, partial map[string]any) error {
	if err := validSession(session); err != nil {
		return err
	}
	if err := validatePartial(partial); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return err
	}

	metaPath := metadataPath(session, t)
	data, err := w.Get(metaPath)
	if errors.Is(err, container.ErrNotFound) {
		return fmt.Errorf("task %s for session %s: %w", t, session, ErrTaskNotFound)
	}
	if err != nil {
		return err
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode metadata record: %w", err)
	}
	for k, v := range normalizePartial(partial) {
		record[k] = v
	}
	record[metaKeyUpdatedAt] = s.cfg.Now().UTC().Format(time.RFC3339Nano)

	merged, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := w.Put(metaPath, merged); err != nil {
		return err
	}
	return w.Sync()
}

// GetMetadata returns the task's metadata record.
// Returns ErrTaskNotFound when the task (or the container) is absent.
func (s *Store) GetMetadata(session string, t TaskType) (Metadata, error) {
	snap, ok, err := s.snapshot()
	if err != nil {
		return Metadata{}, err
	}
	if !ok {
		return Metadata{}, fmt.Errorf("task %s for session %s: %w", t, session, ErrTaskNotFound)
	}
	defer func() { _ = snap.Close() }()

	data, err := snap.Get(metadataPath(session, t))
	if errors.Is(err, container.ErrNotFound) {
		return Metadata{}, fmt.Errorf("task %s for session %s: %w", t, session, ErrTaskNotFound)
	}
	if err != nil {
		return Metadata{}, err
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata record: %w", err)
	}
	return m, nil
}

// requireTaskLocked checks task existence through the writer.
// Caller must hold s.mu.
func (s *Store) requireTaskLocked(w *container.Container, session string, t TaskType) error {
	if !w.Has(metadataPath(session, t)) {
		return fmt.Errorf("task %s for session %s: %w", t, session, ErrTaskNotFound)
	}
	return nil
}
