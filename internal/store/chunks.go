package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"scribevault/internal/container"
)

// Scalar chunk field datasets. The raw audio payload lives alongside them
// as "audio.webm" and is not part of this set.
const (
	chunkFieldTranscript     = "transcript"
	chunkFieldAudioHash      = "audio_hash"
	chunkFieldDuration       = "duration"
	chunkFieldLanguage       = "language"
	chunkFieldTimestampStart = "timestamp_start"
	chunkFieldTimestampEnd   = "timestamp_end"
	chunkFieldConfidence     = "confidence"
	chunkFieldAudioQuality   = "audio_quality"
	chunkFieldCreatedAt      = "created_at"
	chunkFieldStatus         = "status"
)

func validChunkField(field string) bool {
	switch field {
	case chunkFieldTranscript, chunkFieldAudioHash, chunkFieldDuration,
		chunkFieldLanguage, chunkFieldTimestampStart, chunkFieldTimestampEnd,
		chunkFieldConfidence, chunkFieldAudioQuality, chunkFieldCreatedAt,
		chunkFieldStatus:
		return true
	}
	return false
}

// AppendChunk commits chunk c.Index under the task. The index is
// write-once: appending to an index that already has a committed chunk
// fails with ErrChunkExists. Chunks may arrive in any index order.
func (s *Store) AppendChunk(session string, t TaskType, c Chunk) error {
	if err := validSession(session); err != nil {
		return err
	}
	if c.Index < 0 {
		return fmt.Errorf("%w: chunk index %d", ErrInvalidIndex, c.Index)
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
	if len(w.Keys(chunkDir(session, t, c.Index)+"/")) > 0 {
		return fmt.Errorf("chunk %d of task %s for session %s: %w", c.Index, t, session, ErrChunkExists)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.cfg.Now()
	}
	status := StatusPending
	if c.Transcript != "" {
		status = StatusCompleted
	}

	fields := map[string]any{
		chunkFieldTranscript:     c.Transcript,
		chunkFieldAudioHash:      c.AudioHash,
		chunkFieldDuration:       c.Duration,
		chunkFieldLanguage:       c.Language,
		chunkFieldTimestampStart: c.TimestampStart,
		chunkFieldTimestampEnd:   c.TimestampEnd,
		chunkFieldConfidence:     c.Confidence,
		chunkFieldAudioQuality:   c.AudioQuality,
		chunkFieldCreatedAt:      c.CreatedAt.UTC(),
		chunkFieldStatus:         string(status),
	}
	for field, value := range fields {
		data, err := msgpack.Marshal(value)
		if err != nil {
			return err
		}
		if err := w.Put(chunkFieldPath(session, t, c.Index, field), data); err != nil {
			return err
		}
	}
	if c.Audio != nil {
		if err := w.Put(chunkFieldPath(session, t, c.Index, chunkAudioName), c.Audio); err != nil {
			return err
		}
	}
	return w.Sync()
}

// CreatePlaceholderChunk reserves an index with only created_at and a
// pending status, for the reserve-then-fill pattern: the ingestion path
// reserves the index (and may attach audio), a worker fills the
// transcript later via UpdateChunkField. Calling it twice for the same
// index is a no-op.
func (s *Store) CreatePlaceholderChunk(session string, t TaskType, index int) error {
	if err := validSession(session); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: chunk index %d", ErrInvalidIndex, index)
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
	if len(w.Keys(chunkDir(session, t, index)+"/")) > 0 {
		return nil
	}

	createdAt, err := msgpack.Marshal(s.cfg.Now().UTC())
	if err != nil {
		return err
	}
	if err := w.Put(chunkFieldPath(session, t, index, chunkFieldCreatedAt), createdAt); err != nil {
		return err
	}
	pending, err := msgpack.Marshal(string(StatusPending))
	if err != nil {
		return err
	}
	if err := w.Put(chunkFieldPath(session, t, index, chunkFieldStatus), pending); err != nil {
		return err
	}
	return w.Sync()
}

// UpdateChunkField overwrites one scalar field of an existing chunk.
// Returns false (without error) when the chunk does not exist; callers
// treat the write as advisory.
func (s *Store) UpdateChunkField(session string, t TaskType, index int, field string, value any) (bool, error) {
	if err := validSession(session); err != nil {
		return false, err
	}
	if !validChunkField(field) {
		return false, fmt.Errorf("%w: %q", ErrUnknownChunkField, field)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return false, err
	}
	if len(w.Keys(chunkDir(session, t, index)+"/")) == 0 {
		return false, nil
	}

	data, err := msgpack.Marshal(value)
	if err != nil {
		return false, err
	}
	if err := w.Put(chunkFieldPath(session, t, index, field), data); err != nil {
		return false, err
	}
	if err := w.Sync(); err != nil {
		return false, err
	}
	return true, nil
}

// WriteChunkAudio attaches the raw audio payload to an existing chunk.
// Returns ErrChunkNotFound if the index has no committed chunk.
func (s *Store) WriteChunkAudio(session string, t TaskType, index int, audio []byte) error {
	if err := validSession(session); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return err
	}
	if len(w.Keys(chunkDir(session, t, index)+"/")) == 0 {
		return fmt.Errorf("chunk %d of task %s for session %s: %w", index, t, session, ErrChunkNotFound)
	}
	if err := w.Put(chunkFieldPath(session, t, index, chunkAudioName), audio); err != nil {
		return err
	}
	return w.Sync()
}

// ReadChunkAudio returns a chunk's raw audio payload.
func (s *Store) ReadChunkAudio(session string, t TaskType, index int) ([]byte, error) {
	snap, ok, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chunk %d of task %s for session %s: %w", index, t, session, ErrChunkNotFound)
	}
	defer func() { _ = snap.Close() }()

	data, err := snap.Get(chunkFieldPath(session, t, index, chunkAudioName))
	if errors.Is(err, container.ErrNotFound) {
		if len(snap.Keys(chunkDir(session, t, index)+"/")) == 0 {
			return nil, fmt.Errorf("chunk %d of task %s for session %s: %w", index, t, session, ErrChunkNotFound)
		}
		return nil, fmt.Errorf("audio for chunk %d of task %s: %w", index, t, ErrBlobNotFound)
	}
	return data, err
}

// ListChunks returns the task's chunks sorted by ascending index,
// regardless of write order. Each chunk's Status is derived: "completed"
// iff the transcript field is non-empty, else "pending". Raw audio
// payloads are not loaded. A missing container or task yields an empty
// list.
func (s *Store) ListChunks(session string, t TaskType) ([]Chunk, error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return nil, err
	}
	defer func() { _ = snap.Close() }()

	prefix := chunksPrefix(session, t)
	byIndex := make(map[int]*Chunk)
	for _, key := range snap.Keys(prefix) {
		node, field, ok := splitNode(key[len(prefix):])
		if !ok || field == chunkAudioName {
			continue
		}
		index, ok := nodeOrdinal(node, chunkNodePrefix)
		if !ok {
			continue
		}
		c := byIndex[index]
		if c == nil {
			c = &Chunk{Index: index}
			byIndex[index] = c
		}
		raw, err := snap.Get(key)
		if err != nil {
			return nil, err
		}
		if err := decodeChunkField(c, field, raw); err != nil {
			return nil, fmt.Errorf("decode chunk %d field %s: %w", index, field, err)
		}
	}

	chunks := make([]Chunk, 0, len(byIndex))
	for _, c := range byIndex {
		if c.Transcript != "" {
			c.Status = string(StatusCompleted)
		} else {
			c.Status = string(StatusPending)
		}
		chunks = append(chunks, *c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// CountChunks reports (expected, written) chunk counts for status
// polling. Expected comes from the metadata total_chunks counter (zero if
// unset); written is derived from the dataset index alone, so no chunk
// payloads are read or decoded. Missing container or task yields (0, 0).
func (s *Store) CountChunks(session string, t TaskType) (expected, written int, err error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return 0, 0, err
	}
	defer func() { _ = snap.Close() }()

	if data, err := snap.Get(metadataPath(session, t)); err == nil {
		var m Metadata
		if err := json.Unmarshal(data, &m); err == nil {
			expected = m.TotalChunks
		}
	}

	prefix := chunksPrefix(session, t)
	seen := make(map[int]bool)
	for _, key := range snap.Keys(prefix) {
		if node, _, ok := splitNode(key[len(prefix):]); ok {
			if index, ok := nodeOrdinal(node, chunkNodePrefix); ok {
				seen[index] = true
			}
		}
	}
	return expected, len(seen), nil
}

// Transcript joins the non-empty chunk transcripts in index order,
// separated by single spaces.
func (s *Store) Transcript(session string, t TaskType) (string, error) {
	chunks, err := s.ListChunks(session, t)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Transcript != "" {
			parts = append(parts, c.Transcript)
		}
	}
	return strings.Join(parts, " "), nil
}

func decodeChunkField(c *Chunk, field string, raw []byte) error {
	switch field {
	case chunkFieldTranscript:
		return msgpack.Unmarshal(raw, &c.Transcript)
	case chunkFieldAudioHash:
		return msgpack.Unmarshal(raw, &c.AudioHash)
	case chunkFieldDuration:
		return msgpack.Unmarshal(raw, &c.Duration)
	case chunkFieldLanguage:
		return msgpack.Unmarshal(raw, &c.Language)
	case chunkFieldTimestampStart:
		return msgpack.Unmarshal(raw, &c.TimestampStart)
	case chunkFieldTimestampEnd:
		return msgpack.Unmarshal(raw, &c.TimestampEnd)
	case chunkFieldConfidence:
		return msgpack.Unmarshal(raw, &c.Confidence)
	case chunkFieldAudioQuality:
		return msgpack.Unmarshal(raw, &c.AudioQuality)
	case chunkFieldCreatedAt:
		var ts time.Time
		if err := msgpack.Unmarshal(raw, &ts); err != nil {
			return err
		}
		c.CreatedAt = ts
		return nil
	case chunkFieldStatus:
		// Stored but not trusted; status is derived from the transcript.
		return nil
	}
	// Unknown fields from newer layouts are ignored.
	return nil
}
