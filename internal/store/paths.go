package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Container path layout (compatibility surface, do not reshape):
//
//	sessions/{session}/tasks/{TASK_TYPE}/job_metadata
//	sessions/{session}/tasks/{TASK_TYPE}/chunks/chunk_{N}/{field}
//	sessions/{session}/tasks/{TASK_TYPE}/segments/segment_{N}/{field}
//	sessions/{session}/tasks/{TASK_TYPE}/{blob name}
const (
	sessionsPrefix   = "sessions/"
	metadataDataset  = "job_metadata"
	chunkAudioName   = "audio.webm"
	chunkNodePrefix  = "chunk_"
	segmentNodePre   = "segment_"
	provenanceSuffix = ".enc_meta"
)

func sessionPath(session string) string {
	return sessionsPrefix + session
}

func taskPath(session string, t TaskType) string {
	return sessionPath(session) + "/tasks/" + string(t)
}

func metadataPath(session string, t TaskType) string {
	return taskPath(session, t) + "/" + metadataDataset
}

func chunksPrefix(session string, t TaskType) string {
	return taskPath(session, t) + "/chunks/"
}

func chunkDir(session string, t TaskType, index int) string {
	return fmt.Sprintf("%s%s%d", chunksPrefix(session, t), chunkNodePrefix, index)
}

func chunkFieldPath(session string, t TaskType, index int, field string) string {
	return chunkDir(session, t, index) + "/" + field
}

func segmentsPrefix(session string, t TaskType) string {
	return taskPath(session, t) + "/segments/"
}

func segmentDir(session string, t TaskType, ordinal int) string {
	return fmt.Sprintf("%s%s%d", segmentsPrefix(session, t), segmentNodePre, ordinal)
}

func segmentFieldPath(session string, t TaskType, ordinal int, field string) string {
	return segmentDir(session, t, ordinal) + "/" + field
}

func blobPath(session string, t TaskType, name string) string {
	return taskPath(session, t) + "/" + name
}

// splitNode splits a key relative to a collection prefix into its node
// name and field, e.g. "chunk_3/transcript" -> ("chunk_3", "transcript").
func splitNode(rel string) (node, field string, ok bool) {
	return strings.Cut(rel, "/")
}

// nodeOrdinal parses the numeric suffix of a node name like "chunk_3" or
// "segment_0".
func nodeOrdinal(node, prefix string) (int, bool) {
	rest, found := strings.CutPrefix(node, prefix)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func validSession(session string) error {
	if session == "" || strings.ContainsAny(session, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidSession, session)
	}
	return nil
}

// validBlobName rejects names that would collide with the task's
// structural children or escape the task node.
func validBlobName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidBlobName, name)
	}
	switch name {
	case metadataDataset, "chunks", "segments":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidBlobName, name)
	}
	return nil
}
