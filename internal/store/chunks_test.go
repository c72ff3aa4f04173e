package store

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendChunkWriteOnce(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 0, Transcript: "hello"}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 0, Transcript: "overwrite"})
	if !errors.Is(err, ErrChunkExists) {
		t.Fatalf("second append to index 0: want ErrChunkExists, got %v", err)
	}

	// The committed transcript is untouched.
	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Transcript != "hello" {
		t.Fatalf("committed chunk mutated: %+v", chunks)
	}
}

func TestAppendChunkRequiresTask(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 0})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound, got %v", err)
	}

	mustEnsure(t, s, "s1", TaskTranscription)
	if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: -1}); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("negative index: want ErrInvalidIndex, got %v", err)
	}
}

func TestListChunksOrderIndependent(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	// Out-of-order arrival from parallel workers.
	for _, index := range []int{2, 0, 1} {
		if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: index, Transcript: "t"}); err != nil {
			t.Fatalf("AppendChunk %d: %v", index, err)
		}
	}

	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk order: position %d has index %d", i, c.Index)
		}
	}
}

func TestListChunksNumericNotLexicographic(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	// Index 10 sorts after 2 numerically but before it lexicographically.
	for _, index := range []int{10, 2} {
		if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: index}); err != nil {
			t.Fatalf("AppendChunk %d: %v", index, err)
		}
	}

	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if chunks[0].Index != 2 || chunks[1].Index != 10 {
		t.Fatalf("numeric ordering violated: %d, %d", chunks[0].Index, chunks[1].Index)
	}
}

func TestChunkFieldsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	in := Chunk{
		Index:          3,
		Transcript:     "the patient reports",
		AudioHash:      "sha256:abc",
		Duration:       12.5,
		Language:       "en",
		TimestampStart: 30.0,
		TimestampEnd:   42.5,
		Confidence:     0.93,
		AudioQuality:   0.8,
	}
	if err := s.AppendChunk("s1", TaskTranscription, in); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	got := chunks[0]
	if got.Transcript != in.Transcript || got.AudioHash != in.AudioHash ||
		got.Duration != in.Duration || got.Language != in.Language ||
		got.TimestampStart != in.TimestampStart || got.TimestampEnd != in.TimestampEnd ||
		got.Confidence != in.Confidence || got.AudioQuality != in.AudioQuality {
		t.Fatalf("field round trip: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
	if got.Status != string(StatusCompleted) {
		t.Errorf("derived status: want completed, got %s", got.Status)
	}
}

func TestPlaceholderThenFill(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	if err := s.CreatePlaceholderChunk("s1", TaskTranscription, 0); err != nil {
		t.Fatalf("CreatePlaceholderChunk: %v", err)
	}
	// Idempotent: a second reserve is a no-op, not an error.
	if err := s.CreatePlaceholderChunk("s1", TaskTranscription, 0); err != nil {
		t.Fatalf("second CreatePlaceholderChunk: %v", err)
	}

	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Status != string(StatusPending) {
		t.Fatalf("placeholder: %+v", chunks)
	}

	// The worker fills the transcript on a later write.
	ok, err := s.UpdateChunkField("s1", TaskTranscription, 0, "transcript", "now transcribed")
	if err != nil || !ok {
		t.Fatalf("UpdateChunkField: %v, %v", ok, err)
	}
	ok, err = s.UpdateChunkField("s1", TaskTranscription, 0, "confidence", 0.88)
	if err != nil || !ok {
		t.Fatalf("UpdateChunkField confidence: %v, %v", ok, err)
	}

	chunks, _ = s.ListChunks("s1", TaskTranscription)
	if chunks[0].Transcript != "now transcribed" || chunks[0].Confidence != 0.88 {
		t.Fatalf("fill: %+v", chunks[0])
	}
	if chunks[0].Status != string(StatusCompleted) {
		t.Errorf("derived status after fill: %s", chunks[0].Status)
	}

	// The placeholder index is committed: append-only still applies.
	if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 0}); !errors.Is(err, ErrChunkExists) {
		t.Fatalf("append over placeholder: want ErrChunkExists, got %v", err)
	}
}

func TestUpdateChunkFieldAdvisory(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	ok, err := s.UpdateChunkField("s1", TaskTranscription, 7, "transcript", "x")
	if err != nil {
		t.Fatalf("UpdateChunkField on absent chunk: %v", err)
	}
	if ok {
		t.Fatal("absent chunk should report false, not write")
	}

	if _, err := s.UpdateChunkField("s1", TaskTranscription, 7, "no_such_field", "x"); !errors.Is(err, ErrUnknownChunkField) {
		t.Fatalf("want ErrUnknownChunkField, got %v", err)
	}
}

func TestCountChunks(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	expected, written, err := s.CountChunks("s1", TaskTranscription)
	if err != nil || expected != 0 || written != 0 {
		t.Fatalf("fresh task: (%d, %d), %v", expected, written, err)
	}

	if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"total_chunks": 5}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: i, Transcript: "t"}); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}

	expected, written, err = s.CountChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if expected != 5 || written != 3 {
		t.Fatalf("want (5, 3), got (%d, %d)", expected, written)
	}
}

func TestTranscriptJoinsChunksInOrder(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 1, Transcript: "world"}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 0, Transcript: "hello"}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	// An unprocessed placeholder contributes nothing.
	if err := s.CreatePlaceholderChunk("s1", TaskTranscription, 2); err != nil {
		t.Fatalf("CreatePlaceholderChunk: %v", err)
	}

	got, err := s.Transcript("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("transcript: want %q, got %q", "hello world", got)
	}
}

func TestChunkAudioPayload(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	audio := bytes.Repeat([]byte{0x1a, 0x45, 0xdf, 0xa3}, 64)
	if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: 0, Audio: audio}); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	got, err := s.ReadChunkAudio("s1", TaskTranscription, 0)
	if err != nil {
		t.Fatalf("ReadChunkAudio: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatal("audio payload did not round trip")
	}

	// Listing never loads audio.
	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if chunks[0].Audio != nil {
		t.Fatal("ListChunks must not load audio payloads")
	}

	if _, err := s.ReadChunkAudio("s1", TaskTranscription, 9); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("absent chunk: want ErrChunkNotFound, got %v", err)
	}
	if err := s.WriteChunkAudio("s1", TaskTranscription, 9, audio); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("WriteChunkAudio on absent chunk: want ErrChunkNotFound, got %v", err)
	}

	// Two-phase: placeholder first, audio attached after.
	if err := s.CreatePlaceholderChunk("s1", TaskTranscription, 1); err != nil {
		t.Fatalf("CreatePlaceholderChunk: %v", err)
	}
	if err := s.WriteChunkAudio("s1", TaskTranscription, 1, audio); err != nil {
		t.Fatalf("WriteChunkAudio: %v", err)
	}
	if got, err := s.ReadChunkAudio("s1", TaskTranscription, 1); err != nil || !bytes.Equal(got, audio) {
		t.Fatalf("attached audio: %v", err)
	}
}
