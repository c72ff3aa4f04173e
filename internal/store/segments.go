package store

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Segment field datasets.
const (
	segmentFieldSpeaker      = "speaker"
	segmentFieldText         = "text"
	segmentFieldImprovedText = "improved_text"
	segmentFieldStartTime    = "start_time"
	segmentFieldEndTime      = "end_time"
	segmentFieldConfidence   = "confidence"
)

// SaveSegments replaces the task's entire segment collection with the
// given sequence. Ordinals are assigned densely from zero in slice order;
// any previous segments, including ones beyond the new length, are
// retracted.
func (s *Store) SaveSegments(session string, t TaskType, segments []Segment) error {
	if err := validSession(session); err != nil {
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

	if err := w.DeletePrefix(segmentsPrefix(session, t)); err != nil {
		return err
	}
	for ordinal, seg := range segments {
		fields := map[string]any{
			segmentFieldSpeaker:      seg.Speaker,
			segmentFieldText:         seg.Text,
			segmentFieldImprovedText: seg.ImprovedText,
			segmentFieldStartTime:    seg.StartTime,
			segmentFieldEndTime:      seg.EndTime,
			segmentFieldConfidence:   seg.Confidence,
		}
		for field, value := range fields {
			data, err := msgpack.Marshal(value)
			if err != nil {
				return err
			}
			if err := w.Put(segmentFieldPath(session, t, ordinal, field), data); err != nil {
				return err
			}
		}
	}
	return w.Sync()
}

// GetSegments returns the task's segments sorted by ordinal. A missing
// container, task, or segment collection yields an empty list.
func (s *Store) GetSegments(session string, t TaskType) ([]Segment, error) {
	snap, ok, err := s.snapshot()
	if err != nil || !ok {
		return nil, err
	}
	defer func() { _ = snap.Close() }()

	prefix := segmentsPrefix(session, t)
	byOrdinal := make(map[int]*Segment)
	for _, key := range snap.Keys(prefix) {
		node, field, ok := splitNode(key[len(prefix):])
		if !ok {
			continue
		}
		ordinal, ok := nodeOrdinal(node, segmentNodePre)
		if !ok {
			continue
		}
		seg := byOrdinal[ordinal]
		if seg == nil {
			seg = &Segment{Ordinal: ordinal}
			byOrdinal[ordinal] = seg
		}
		raw, err := snap.Get(key)
		if err != nil {
			return nil, err
		}
		if err := decodeSegmentField(seg, field, raw); err != nil {
			return nil, fmt.Errorf("decode segment %d field %s: %w", ordinal, field, err)
		}
	}

	segments := make([]Segment, 0, len(byOrdinal))
	for _, seg := range byOrdinal {
		segments = append(segments, *seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Ordinal < segments[j].Ordinal })
	return segments, nil
}

// UpdateSegmentText replaces only the text field of one segment, leaving
// its siblings untouched, and returns the merged record. Fails with
// ErrSegmentNotFound if the ordinal does not exist or the task has no
// segment collection yet.
func (s *Store) UpdateSegmentText(session string, t TaskType, ordinal int, text string) (Segment, error) {
	if err := validSession(session); err != nil {
		return Segment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writerLocked()
	if err != nil {
		return Segment{}, err
	}

	dir := segmentDir(session, t, ordinal) + "/"
	keys := w.Keys(dir)
	if len(keys) == 0 {
		return Segment{}, fmt.Errorf("segment %d of task %s for session %s: %w", ordinal, t, session, ErrSegmentNotFound)
	}

	data, err := msgpack.Marshal(text)
	if err != nil {
		return Segment{}, err
	}
	if err := w.Put(segmentFieldPath(session, t, ordinal, segmentFieldText), data); err != nil {
		return Segment{}, err
	}
	if err := w.Sync(); err != nil {
		return Segment{}, err
	}

	merged := Segment{Ordinal: ordinal}
	for _, key := range w.Keys(dir) {
		_, field, ok := splitNode(key[len(segmentsPrefix(session, t)):])
		if !ok {
			continue
		}
		raw, err := w.Get(key)
		if err != nil {
			return Segment{}, err
		}
		if err := decodeSegmentField(&merged, field, raw); err != nil {
			return Segment{}, err
		}
	}
	return merged, nil
}

func decodeSegmentField(seg *Segment, field string, raw []byte) error {
	switch field {
	case segmentFieldSpeaker:
		return msgpack.Unmarshal(raw, &seg.Speaker)
	case segmentFieldText:
		return msgpack.Unmarshal(raw, &seg.Text)
	case segmentFieldImprovedText:
		return msgpack.Unmarshal(raw, &seg.ImprovedText)
	case segmentFieldStartTime:
		return msgpack.Unmarshal(raw, &seg.StartTime)
	case segmentFieldEndTime:
		return msgpack.Unmarshal(raw, &seg.EndTime)
	case segmentFieldConfidence:
		return msgpack.Unmarshal(raw, &seg.Confidence)
	}
	return nil
}
