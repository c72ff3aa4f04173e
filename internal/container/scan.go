package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"scribevault/internal/format"
)

// scan validates the container header and replays every committed frame,
// returning the live dataset index, the committed tail offset, and the
// highest sequence number seen.
//
// The scan stops at the first frame whose framing does not validate; a
// torn tail frame from an interrupted write is therefore invisible, and
// everything before it is the committed state.
func scan(r io.ReaderAt, size int64) (map[string]entry, int64, uint64, error) {
	var hdr [format.HeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrInvalidContainer, err)
	}
	if _, err := format.DecodeAndValidate(hdr[:], format.TypeVault, format.VaultVersion); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrInvalidContainer, err)
	}

	index := make(map[string]entry)
	var maxSeq uint64
	offset := int64(format.HeaderSize)

	var sizeBuf [sizeFieldBytes]byte
	for offset+minFrameSize <= size {
		if _, err := r.ReadAt(sizeBuf[:], offset); err != nil {
			break
		}
		frameLen := binary.LittleEndian.Uint32(sizeBuf[:])
		if frameLen < minFrameSize || offset+int64(frameLen) > size {
			break
		}
		buf := make([]byte, frameLen)
		if _, err := r.ReadAt(buf, offset); err != nil {
			break
		}
		f, err := decodeFrame(buf)
		if err != nil {
			break
		}

		switch {
		case f.prefixTombstone():
			for path := range index {
				if strings.HasPrefix(path, f.path) {
					delete(index, path)
				}
			}
		case f.tombstone():
			delete(index, f.path)
		default:
			index[f.path] = entry{offset: offset, size: frameLen}
		}

		if f.seq > maxSeq {
			maxSeq = f.seq
		}
		offset += int64(frameLen)
	}

	return index, offset, maxSeq, nil
}
