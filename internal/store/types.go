// Package store implements the session task store: typed pipeline tasks
// nested under session identifiers, persisted in a single vault container
// file with single-writer, multiple-reader access.
//
// A task owns a JSON metadata record, an append-only chunk log, a
// replaceable segment table, and named auxiliary blobs. Callers always
// receive value copies, never live handles into the container.
package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskExists      = errors.New("task already exists")
	ErrChunkExists     = errors.New("chunk index already written")
	ErrChunkNotFound   = errors.New("chunk not found")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrBlobNotFound    = errors.New("blob not found")

	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrUnknownStatus     = errors.New("unknown task status")
	ErrUnknownChunkField = errors.New("unknown chunk field")
	ErrInvalidSession    = errors.New("invalid session id")
	ErrInvalidBlobName   = errors.New("invalid blob name")
	ErrInvalidIndex      = errors.New("index must be non-negative")
)

// TaskType identifies one pipeline stage. At most one task of a given
// type may exist per session. The string form is the on-disk path
// component and must stay stable.
type TaskType string

const (
	TaskTranscription   TaskType = "TRANSCRIPTION"
	TaskDiarization     TaskType = "DIARIZATION"
	TaskSOAPGeneration  TaskType = "SOAP_GENERATION"
	TaskEmotionAnalysis TaskType = "EMOTION_ANALYSIS"
	TaskEncryption      TaskType = "ENCRYPTION"
)

// TaskTypes lists every known task type in pipeline order.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskTranscription,
		TaskDiarization,
		TaskSOAPGeneration,
		TaskEmotionAnalysis,
		TaskEncryption,
	}
}

func (t TaskType) Valid() bool {
	switch t {
	case TaskTranscription, TaskDiarization, TaskSOAPGeneration, TaskEmotionAnalysis, TaskEncryption:
		return true
	}
	return false
}

func (t TaskType) String() string { return string(t) }

// ParseTaskType converts the stable string form back to a TaskType.
func ParseTaskType(value string) (TaskType, error) {
	t := TaskType(value)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, value)
	}
	return t, nil
}

// Status is the task lifecycle state. Transitions are caller-driven via
// metadata updates; the store does not auto-transition on chunk writes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskRef identifies a task. Two refs to the same task compare equal.
type TaskRef struct {
	Session string
	Type    TaskType
}

// Chunk is one append-only, index-addressed record under a task.
// Index is write-once; individual fields of an existing chunk may be
// rewritten via UpdateChunkField (reserve-then-fill).
type Chunk struct {
	Index          int
	Transcript     string
	AudioHash      string
	Duration       float64
	Language       string
	TimestampStart float64
	TimestampEnd   float64
	Confidence     float64
	AudioQuality   float64
	CreatedAt      time.Time

	// Audio is the optional raw payload. Written by AppendChunk when
	// non-nil; never loaded by ListChunks (use ReadChunkAudio).
	Audio []byte `msgpack:"-"`

	// Status is derived on read: "completed" iff Transcript is non-empty,
	// else "pending". An empty transcription output is therefore
	// indistinguishable from an unprocessed chunk; the stored status
	// dataset exists but is not consistently populated across write
	// paths, so reads do not trust it.
	Status string `msgpack:"-"`
}

// Segment is one ordinal-addressed, correctable record under a task
// (e.g. a diarized speaker turn). Unlike chunks, select fields may be
// overwritten after creation.
type Segment struct {
	Ordinal      int
	Speaker      string
	Text         string
	ImprovedText string
	StartTime    float64
	EndTime      float64
	Confidence   float64
}
