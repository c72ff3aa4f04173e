package container

import (
	"encoding/binary"
	"errors"
	"math"

	"scribevault/internal/format"
)

// Frame layout:
//
//	size       uint32  total frame size, including both size fields
//	signature  1 byte  's'
//	version    1 byte  0x01
//	flags      1 byte  tombstone / prefix tombstone / zstd payload
//	seq        uint64  write sequence, monotonically increasing per container
//	pathLen    uint16
//	payloadLen uint32  stored (possibly compressed) payload length
//	path       pathLen bytes, UTF-8 dataset path
//	payload    payloadLen bytes
//	size       uint32  trailing copy, validates frame integrity
//
// The trailing size makes torn tail frames (crash mid-write) detectable:
// a scan stops at the first frame whose framing does not check out, and
// everything before it is the container's committed state.
const (
	frameVersion = 0x01

	flagTombstone       = 0x01
	flagPrefixTombstone = 0x02
	flagZstd            = 0x04

	sizeFieldBytes  = 4
	signatureBytes  = 1
	versionBytes    = 1
	flagBytes       = 1
	seqBytes        = 8
	pathLenBytes    = 2
	payloadLenBytes = 4

	frameHeaderBytes = sizeFieldBytes + signatureBytes + versionBytes + flagBytes +
		seqBytes + pathLenBytes + payloadLenBytes
	minFrameSize = frameHeaderBytes + sizeFieldBytes

	// MaxPayloadSize bounds a single dataset payload.
	MaxPayloadSize = 1 << 30
)

var (
	ErrFrameTooSmall       = errors.New("frame size too small")
	ErrFrameTooLarge       = errors.New("frame size too large")
	ErrFrameSignature      = errors.New("frame signature mismatch")
	ErrFrameVersion        = errors.New("frame version mismatch")
	ErrFrameSizeMismatch   = errors.New("frame size mismatch")
	ErrPathTooLong         = errors.New("dataset path too long")
	ErrPayloadTooLarge     = errors.New("dataset payload too large")
	ErrFrameLengthMismatch = errors.New("frame length fields inconsistent")
)

type frame struct {
	flags   byte
	seq     uint64
	path    string
	payload []byte
}

func (f frame) tombstone() bool       { return f.flags&flagTombstone != 0 }
func (f frame) prefixTombstone() bool { return f.flags&flagPrefixTombstone != 0 }
func (f frame) compressed() bool      { return f.flags&flagZstd != 0 }

func frameSize(pathLen, payloadLen int) (uint32, error) {
	if pathLen > math.MaxUint16 {
		return 0, ErrPathTooLong
	}
	if payloadLen < 0 || payloadLen > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	size := uint64(minFrameSize) + uint64(pathLen) + uint64(payloadLen)
	if size > math.MaxUint32 {
		return 0, ErrFrameTooLarge
	}
	return uint32(size), nil
}

func encodeFrame(f frame) ([]byte, error) {
	size, err := frameSize(len(f.path), len(f.payload))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[:sizeFieldBytes], size)
	cursor := sizeFieldBytes
	buf[cursor] = format.Signature
	cursor += signatureBytes
	buf[cursor] = frameVersion
	cursor += versionBytes
	buf[cursor] = f.flags
	cursor += flagBytes
	binary.LittleEndian.PutUint64(buf[cursor:cursor+seqBytes], f.seq)
	cursor += seqBytes
	binary.LittleEndian.PutUint16(buf[cursor:cursor+pathLenBytes], uint16(len(f.path)))
	cursor += pathLenBytes
	binary.LittleEndian.PutUint32(buf[cursor:cursor+payloadLenBytes], uint32(len(f.payload)))
	cursor += payloadLenBytes
	copy(buf[cursor:], f.path)
	cursor += len(f.path)
	copy(buf[cursor:], f.payload)
	cursor += len(f.payload)
	binary.LittleEndian.PutUint32(buf[cursor:cursor+sizeFieldBytes], size)

	return buf, nil
}

func decodeFrame(buf []byte) (frame, error) {
	if len(buf) < minFrameSize {
		return frame{}, ErrFrameTooSmall
	}
	size := binary.LittleEndian.Uint32(buf[:sizeFieldBytes])
	if size != uint32(len(buf)) {
		return frame{}, ErrFrameSizeMismatch
	}

	cursor := sizeFieldBytes
	if buf[cursor] != format.Signature {
		return frame{}, ErrFrameSignature
	}
	cursor += signatureBytes
	if buf[cursor] != frameVersion {
		return frame{}, ErrFrameVersion
	}
	cursor += versionBytes
	flags := buf[cursor]
	cursor += flagBytes
	seq := binary.LittleEndian.Uint64(buf[cursor : cursor+seqBytes])
	cursor += seqBytes
	pathLen := int(binary.LittleEndian.Uint16(buf[cursor : cursor+pathLenBytes]))
	cursor += pathLenBytes
	payloadLen := int(binary.LittleEndian.Uint32(buf[cursor : cursor+payloadLenBytes]))
	cursor += payloadLenBytes

	if cursor+pathLen+payloadLen+sizeFieldBytes != len(buf) {
		return frame{}, ErrFrameLengthMismatch
	}

	path := string(buf[cursor : cursor+pathLen])
	cursor += pathLen
	payload := make([]byte, payloadLen)
	copy(payload, buf[cursor:cursor+payloadLen])
	cursor += payloadLen
	if trailing := binary.LittleEndian.Uint32(buf[cursor : cursor+sizeFieldBytes]); trailing != size {
		return frame{}, ErrFrameSizeMismatch
	}

	return frame{flags: flags, seq: seq, path: path, payload: payload}, nil
}
