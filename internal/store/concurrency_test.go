package store

import (
	"sync"
	"testing"
)

// One background writer updating metadata while many pollers read the
// chunk list. Readers must never block on the writer or observe an error.
func TestReadersDoNotBlockOnWriter(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	for i := 0; i < 4; i++ {
		if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: i, Transcript: "t"}); err != nil {
			t.Fatalf("AppendChunk: %v", err)
		}
	}

	const updates = 200
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			if err := s.UpdateMetadata("s1", TaskTranscription, map[string]any{"processed_chunks": i}); err != nil {
				t.Errorf("UpdateMetadata: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				chunks, err := s.ListChunks("s1", TaskTranscription)
				if err != nil {
					t.Errorf("ListChunks during writes: %v", err)
					return
				}
				if len(chunks) != 4 {
					t.Errorf("chunk list during writes: %d chunks", len(chunks))
					return
				}
				if _, _, err := s.CountChunks("s1", TaskTranscription); err != nil {
					t.Errorf("CountChunks during writes: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
}

// Parallel workers writing different chunk indices of the same task all
// serialize through the writer and none are lost.
func TestParallelChunkWriters(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "s1", TaskTranscription)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := s.AppendChunk("s1", TaskTranscription, Chunk{Index: index, Transcript: "t"}); err != nil {
				t.Errorf("AppendChunk %d: %v", index, err)
			}
		}(i)
	}
	wg.Wait()

	chunks, err := s.ListChunks("s1", TaskTranscription)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(chunks) != n {
		t.Fatalf("want %d chunks, got %d", n, len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("position %d has index %d", i, c.Index)
		}
	}
}
