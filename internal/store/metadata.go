package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Known metadata keys. Anything else lands in the Extra bag.
const (
	metaKeyStatus          = "status"
	metaKeyTotalChunks     = "total_chunks"
	metaKeyProcessedChunks = "processed_chunks"
	metaKeyProgressPercent = "progress_percent"
	metaKeyError           = "error"
	metaKeyCreatedAt       = "created_at"
	metaKeyUpdatedAt       = "updated_at"
)

// Metadata is a task's ledger record. The known keys carry the lifecycle
// state and progress counters; Extra holds free-form result fields that
// workers attach (model names, note text, summary statistics).
//
// The JSON form is flat: Extra keys are flattened into the top level
// alongside the known keys, preserving the on-disk record shape.
type Metadata struct {
	Status          Status
	TotalChunks     int
	ProcessedChunks int
	ProgressPercent float64
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Extra           map[string]any
}

func (m Metadata) toMap() map[string]any {
	out := make(map[string]any, len(m.Extra)+7)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[metaKeyStatus] = string(m.Status)
	out[metaKeyTotalChunks] = m.TotalChunks
	out[metaKeyProcessedChunks] = m.ProcessedChunks
	out[metaKeyProgressPercent] = m.ProgressPercent
	if m.Error != "" {
		out[metaKeyError] = m.Error
	}
	if !m.CreatedAt.IsZero() {
		out[metaKeyCreatedAt] = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !m.UpdatedAt.IsZero() {
		out[metaKeyUpdatedAt] = m.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func metadataFromMap(raw map[string]any) Metadata {
	var m Metadata
	extra := make(map[string]any)
	for k, v := range raw {
		switch k {
		case metaKeyStatus:
			// Unrecognized values (from a newer layout) are carried as-is
			// rather than failing the read; only the write path validates.
			s, _ := v.(string)
			m.Status = Status(s)
		case metaKeyTotalChunks:
			m.TotalChunks = asInt(v)
		case metaKeyProcessedChunks:
			m.ProcessedChunks = asInt(v)
		case metaKeyProgressPercent:
			m.ProgressPercent = asFloat(v)
		case metaKeyError:
			m.Error, _ = v.(string)
		case metaKeyCreatedAt:
			m.CreatedAt = asTime(v)
		case metaKeyUpdatedAt:
			m.UpdatedAt = asTime(v)
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		m.Extra = extra
	}
	return m
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.toMap())
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = metadataFromMap(raw)
	return nil
}

// validatePartial rejects merge fields that would corrupt the known-key
// schema. Free-form keys pass through untouched.
func validatePartial(partial map[string]any) error {
	for k, v := range partial {
		switch k {
		case metaKeyStatus:
			s := statusString(v)
			if !Status(s).Valid() {
				return fmt.Errorf("%w: %v", ErrUnknownStatus, v)
			}
		case metaKeyUpdatedAt:
			return errors.New("updated_at is stamped by the store")
		}
	}
	return nil
}

// normalizePartial converts typed values (Status, time.Time) in a merge
// map to their JSON wire form so the stored record stays uniform.
func normalizePartial(partial map[string]any) map[string]any {
	out := make(map[string]any, len(partial))
	for k, v := range partial {
		switch tv := v.(type) {
		case Status:
			out[k] = string(tv)
		case TaskType:
			out[k] = string(tv)
		case time.Time:
			out[k] = tv.UTC().Format(time.RFC3339Nano)
		default:
			out[k] = v
		}
	}
	return out
}

func statusString(v any) string {
	switch tv := v.(type) {
	case Status:
		return string(tv)
	case string:
		return tv
	}
	return ""
}

func asInt(v any) int {
	switch tv := v.(type) {
	case float64:
		return int(tv)
	case int:
		return tv
	case int64:
		return int(tv)
	case json.Number:
		n, _ := tv.Int64()
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch tv := v.(type) {
	case float64:
		return tv
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	case json.Number:
		f, _ := tv.Float64()
		return f
	}
	return 0
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
