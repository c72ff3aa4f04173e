package store

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"scribevault/internal/container"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "vault.bin")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEnsure(t *testing.T, s *Store, session string, tt TaskType) TaskRef {
	t.Helper()
	ref, err := s.EnsureTask(session, tt, false)
	if err != nil {
		t.Fatalf("EnsureTask(%s, %s): %v", session, tt, err)
	}
	return ref
}

func TestEnsureTaskUniqueness(t *testing.T) {
	s := newTestStore(t)

	first := mustEnsure(t, s, "s1", TaskTranscription)

	_, err := s.EnsureTask("s1", TaskTranscription, false)
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("duplicate create: want ErrTaskExists, got %v", err)
	}

	// Idempotent re-open returns a ref equal in identity to the first.
	again, err := s.EnsureTask("s1", TaskTranscription, true)
	if err != nil {
		t.Fatalf("EnsureTask allowExisting: %v", err)
	}
	if again != first {
		t.Fatalf("re-open ref differs: %+v vs %+v", again, first)
	}

	// A different type under the same session is a separate task.
	if _, err := s.EnsureTask("s1", TaskDiarization, false); err != nil {
		t.Fatalf("second task type: %v", err)
	}
}

func TestEnsureTaskInitializesMetadata(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	m, err := s.GetMetadata("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if m.Status != StatusPending {
		t.Errorf("status: want pending, got %s", m.Status)
	}
	if m.TotalChunks != 0 || m.ProcessedChunks != 0 || m.ProgressPercent != 0 {
		t.Errorf("counters not zero: %+v", m)
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
}

func TestEnsureTaskValidation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.EnsureTask("bad/session", TaskTranscription, false); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("want ErrInvalidSession, got %v", err)
	}
	if _, err := s.EnsureTask("s1", TaskType("NOT_A_STAGE"), false); !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("want ErrUnknownTaskType, got %v", err)
	}
}

func TestExistenceChecksTolerateMissingContainer(t *testing.T) {
	// No container file exists; pure reads degrade rather than error.
	s := newTestStore(t)

	exists, err := s.TaskExists("s1", TaskTranscription)
	if err != nil || exists {
		t.Fatalf("TaskExists on missing container: %v, %v", exists, err)
	}
	types, err := s.ListTaskTypes("s1")
	if err != nil || len(types) != 0 {
		t.Fatalf("ListTaskTypes on missing container: %v, %v", types, err)
	}
	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil || len(chunks) != 0 {
		t.Fatalf("ListChunks on missing container: %v, %v", chunks, err)
	}
	expected, written, err := s.CountChunks("s1", TaskTranscription)
	if err != nil || expected != 0 || written != 0 {
		t.Fatalf("CountChunks on missing container: (%d, %d), %v", expected, written, err)
	}
}

func TestTaskExistsAndListTypes(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)
	mustEnsure(t, s, "s1", TaskDiarization)
	mustEnsure(t, s, "s2", TaskSOAPGeneration)

	exists, err := s.TaskExists("s1", TaskTranscription)
	if err != nil || !exists {
		t.Fatalf("TaskExists: %v, %v", exists, err)
	}
	exists, err = s.TaskExists("s1", TaskEncryption)
	if err != nil || exists {
		t.Fatalf("TaskExists for absent type: %v, %v", exists, err)
	}

	types, err := s.ListTaskTypes("s1")
	if err != nil {
		t.Fatalf("ListTaskTypes: %v", err)
	}
	want := []TaskType{TaskDiarization, TaskTranscription}
	if !slices.Equal(types, want) {
		t.Fatalf("ListTaskTypes: want %v, got %v", want, types)
	}

	sessions, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if !slices.Equal(sessions, []string{"s1", "s2"}) {
		t.Fatalf("Sessions: got %v", sessions)
	}
}

func TestUpdateMetadataShallowMerge(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"a": 1}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"b": 2}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	m, err := s.GetMetadata("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got := asInt(m.Extra["a"]); got != 1 {
		t.Errorf("field a: want 1, got %v", m.Extra["a"])
	}
	if got := asInt(m.Extra["b"]); got != 2 {
		t.Errorf("field b lost by merge: got %v", m.Extra["b"])
	}

	// Repeating a merge is idempotent on the field.
	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"a": 1}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	m, _ = s.GetMetadata("s1", TaskTranscription)
	if got := asInt(m.Extra["a"]); got != 1 {
		t.Errorf("repeated merge changed a: got %v", m.Extra["a"])
	}
}

func TestUpdateMetadataNestedReplaceWholesale(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{
		"result": map[string]any{"x": 1, "y": 2},
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{
		"result": map[string]any{"z": 3},
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	m, err := s.GetMetadata("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	nested, ok := m.Extra["result"].(map[string]any)
	if !ok {
		t.Fatalf("result field: %v", m.Extra["result"])
	}
	if _, survived := nested["x"]; survived {
		t.Error("shallow merge must replace nested objects wholesale, not deep-merge")
	}
	if asInt(nested["z"]) != 3 {
		t.Errorf("nested z: got %v", nested["z"])
	}
}

func TestUpdateMetadataLifecycle(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{
		"status": StatusInProgress, "total_chunks": 5,
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	m, _ := s.GetMetadata("s1", TaskTranscription)
	if m.Status != StatusInProgress || m.TotalChunks != 5 {
		t.Fatalf("lifecycle update: %+v", m)
	}

	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{
		"status": StatusFailed, "error": "stt backend unreachable",
	}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	m, _ = s.GetMetadata("s1", TaskTranscription)
	if m.Status != StatusFailed || m.Error != "stt backend unreachable" {
		t.Fatalf("failure update: %+v", m)
	}
}

func TestUpdateMetadataStampsUpdatedAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, err := New(Config{
		Path: filepath.Join(t.TempDir(), "vault.bin"),
		Now:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	mustEnsure(t, s, "s1", TaskTranscription)

	now = now.Add(time.Minute)
	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"a": 1}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	m, _ := s.GetMetadata("s1", TaskTranscription)
	if !m.UpdatedAt.Equal(now) {
		t.Fatalf("updated_at: want %v, got %v", now, m.UpdatedAt)
	}
	if !m.CreatedAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("created_at moved: %v", m.CreatedAt)
	}
}

func TestUpdateMetadataRejections(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	err := s.UpdateMetadata("s1", TaskDiarization, map[string]any{"a": 1})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("absent task: want ErrTaskNotFound, got %v", err)
	}

	err = s.UpdateMetadata("s1", TaskTranscription, map[string]any{"status": "napping"})
	if !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("bad status: want ErrUnknownStatus, got %v", err)
	}

	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"updated_at": "2020-01-01"}); err == nil {
		t.Fatal("caller-set updated_at should be rejected")
	}
}

func TestGetMetadataNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMetadata("s1", TaskTranscription)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound, got %v", err)
	}
}

func TestGetMetadataForeignStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	// A record written by a newer layout may carry a status string this
	// build does not know about. Reads must still surface it.
	c, err := container.Open(container.Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw := []byte(`{"status":"archived","total_chunks":2,"created_at":"2025-06-01T00:00:00Z","updated_at":"2025-06-01T00:00:00Z"}`)
	if err := c.Put("sessions/s1/tasks/TRANSCRIPTION/job_metadata", raw); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	m, err := s.GetMetadata("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if m.Status != Status("archived") {
		t.Fatalf("status: want archived, got %q", m.Status)
	}
	if m.TotalChunks != 2 {
		t.Fatalf("total_chunks: want 2, got %d", m.TotalChunks)
	}
}

func TestMetadataJSONRoundTrip(t *testing.T) {
	in := Metadata{
		Status:          StatusInProgress,
		TotalChunks:     7,
		ProcessedChunks: 3,
		ProgressPercent: 42.9,
		Error:           "transient",
		CreatedAt:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:       time.Date(2025, 1, 2, 4, 4, 5, 0, time.UTC),
		Extra:           map[string]any{"model": "whisper-large-v3"},
	}

	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var out Metadata
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}

	if out.Status != in.Status || out.TotalChunks != in.TotalChunks ||
		out.ProcessedChunks != in.ProcessedChunks || out.ProgressPercent != in.ProgressPercent ||
		out.Error != in.Error {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Fatalf("timestamps: %+v", out)
	}
	if out.Extra["model"] != "whisper-large-v3" {
		t.Fatalf("extra bag: %v", out.Extra)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.bin")

	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustEnsure(t, s, "s1", TaskTranscription)
	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"status": StatusCompleted}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s2.Close() }()
	m, err := s2.GetMetadata("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("GetMetadata after reopen: %v", err)
	}
	if m.Status != StatusCompleted {
		t.Fatalf("status after reopen: %s", m.Status)
	}
}
