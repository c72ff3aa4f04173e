// Package container implements the single-file vault container: a
// hierarchical, append-only dataset store with single-writer,
// multiple-reader access.
//
// Datasets are addressed by slash-separated paths (e.g.
// "sessions/s1/tasks/TRANSCRIPTION/job_metadata"). Every write appends a
// framed record; the latest frame for a path wins. Tombstone frames
// retract a path, prefix tombstones retract a whole subtree. Superseded
// frames are reclaimed by Compact.
//
// Concurrency:
//   - At most one writer per container file, enforced cross-process by an
//     exclusive flock on a sidecar lock file and in-process by the
//     container mutex.
//   - Readers open independent Snapshots that never block the writer and
//     observe the committed state at open time.
package container

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/klauspost/compress/zstd"

	"scribevault/internal/format"
	"scribevault/internal/logging"
)

const (
	lockSuffix = ".lock"

	// defaultCompressThreshold is the payload size above which zstd
	// compression is attempted. Small scalar datasets are stored raw.
	defaultCompressThreshold = 4 << 10
)

var (
	ErrMissingPath      = errors.New("container path is required")
	ErrClosed           = errors.New("container is closed")
	ErrContainerLocked  = errors.New("container is locked by another writer")
	ErrInvalidContainer = errors.New("not a valid vault container")
	ErrNotFound         = errors.New("dataset not found")
)

// zstdDec is a package-level decoder, concurrent-safe, always available for reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

type Config struct {
	Path     string
	FileMode os.FileMode

	// CompressThreshold is the payload size in bytes above which zstd
	// compression is attempted. Zero selects the default; a negative
	// value disables compression entirely.
	CompressThreshold int

	// Logger for structured logging. If nil, logging is disabled.
	// The container scopes this logger with component="container".
	Logger *slog.Logger
}

// entry locates the latest committed frame for a dataset path.
type entry struct {
	offset int64
	size   uint32
}

// Container is the writable handle for a vault container file.
type Container struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	lockFile *os.File
	index    map[string]entry
	tail     int64 // end of committed frames; next append goes here
	seq      uint64
	enc      *zstd.Encoder
	closed   bool
	logger   *slog.Logger
}

// Open opens the container file for writing, creating it (and parent
// directories) if absent. At most one writer may hold a container open;
// a concurrent writer fails with ErrContainerLocked. A present but
// foreign or corrupt file fails with ErrInvalidContainer.
func Open(cfg Config) (*Container, error) {
	if cfg.Path == "" {
		return nil, ErrMissingPath
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, os.FileMode(0o644))
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = defaultCompressThreshold
	}
	logger := logging.Default(cfg.Logger).With("component", "container")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create container directory: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Clean(cfg.Path+lockSuffix), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, ErrContainerLocked
	}

	file, err := os.OpenFile(filepath.Clean(cfg.Path), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = lockFile.Close()
		return nil, err
	}

	c := &Container{
		cfg:      cfg,
		file:     file,
		lockFile: lockFile,
		index:    make(map[string]entry),
		logger:   logger,
	}

	if info.Size() == 0 {
		hdr := format.Header{Type: format.TypeVault, Version: format.VaultVersion}.Encode()
		if _, err := file.WriteAt(hdr[:], 0); err != nil {
			_ = file.Close()
			_ = lockFile.Close()
			return nil, err
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			_ = lockFile.Close()
			return nil, err
		}
		c.tail = format.HeaderSize
		logger.Info("container created", "path", cfg.Path)
		return c, nil
	}

	index, tail, maxSeq, err := scan(file, info.Size())
	if err != nil {
		_ = file.Close()
		_ = lockFile.Close()
		return nil, err
	}
	if tail < info.Size() {
		// Torn tail frame from an interrupted write. The committed state
		// ends at tail; truncate so the next append starts clean.
		logger.Warn("discarding torn tail frame",
			"path", cfg.Path, "committed", tail, "size", info.Size())
		if err := file.Truncate(tail); err != nil {
			_ = file.Close()
			_ = lockFile.Close()
			return nil, err
		}
	}
	c.index = index
	c.tail = tail
	c.seq = maxSeq
	return c, nil
}

// Put writes payload as the new content of the dataset at path.
// Payloads above the compression threshold are stored zstd-compressed.
func (c *Container) Put(path string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	var flags byte
	stored := payload
	if c.cfg.CompressThreshold > 0 && len(payload) >= c.cfg.CompressThreshold {
		enc, err := c.encoder()
		if err != nil {
			return err
		}
		compressed := enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			stored = compressed
			flags |= flagZstd
		}
	}

	off, size, err := c.appendFrame(frame{flags: flags, path: path, payload: stored})
	if err != nil {
		return err
	}
	c.index[path] = entry{offset: off, size: size}
	return nil
}

// Delete retracts the dataset at path. Deleting an absent path is a no-op.
func (c *Container) Delete(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.index[path]; !ok {
		return nil
	}
	if _, _, err := c.appendFrame(frame{flags: flagTombstone, path: path}); err != nil {
		return err
	}
	delete(c.index, path)
	return nil
}

// DeletePrefix retracts every dataset under prefix. A no-op when nothing
// matches.
func (c *Container) DeletePrefix(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var doomed []string
	for path := range c.index {
		if strings.HasPrefix(path, prefix) {
			doomed = append(doomed, path)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	if _, _, err := c.appendFrame(frame{flags: flagPrefixTombstone, path: prefix}); err != nil {
		return err
	}
	for _, path := range doomed {
		delete(c.index, path)
	}
	return nil
}

// Get returns the current payload of the dataset at path.
// Returns ErrNotFound if the path has no committed dataset.
func (c *Container) Get(path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.index[path]
	if !ok {
		return nil, ErrNotFound
	}
	return readEntry(c.file, e)
}

// Has reports whether path has a committed dataset.
func (c *Container) Has(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[path]
	return ok
}

// Keys returns the sorted dataset paths under prefix. This consults only
// the in-memory index; no payloads are read or decoded.
func (c *Container) Keys(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return indexKeys(c.index, prefix)
}

// Sync flushes appended frames to stable storage.
func (c *Container) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.file.Sync()
}

// Close syncs and releases the file and the writer lock.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	syncErr := c.file.Sync()
	closeErr := c.file.Close()
	if c.enc != nil {
		_ = c.enc.Close()
	}
	_ = c.lockFile.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// appendFrame encodes and appends a frame at the committed tail, stamping
// the next sequence number. Caller must hold c.mu.
func (c *Container) appendFrame(f frame) (int64, uint32, error) {
	c.seq++
	f.seq = c.seq
	buf, err := encodeFrame(f)
	if err != nil {
		return 0, 0, err
	}
	off := c.tail
	if _, err := c.file.WriteAt(buf, off); err != nil {
		return 0, 0, err
	}
	c.tail += int64(len(buf))
	return off, uint32(len(buf)), nil
}

// encoder lazily creates the shared zstd encoder. Caller must hold c.mu.
func (c *Container) encoder() (*zstd.Encoder, error) {
	if c.enc != nil {
		return c.enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	c.enc = enc
	return enc, nil
}

// readEntry reads and decodes the frame at e, decompressing if needed.
func readEntry(file *os.File, e entry) ([]byte, error) {
	buf := make([]byte, e.size)
	if _, err := file.ReadAt(buf, e.offset); err != nil {
		return nil, err
	}
	f, err := decodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidContainer, err)
	}
	if f.compressed() {
		return zstdDec.DecodeAll(f.payload, nil)
	}
	return f.payload, nil
}

func indexKeys(index map[string]entry, prefix string) []string {
	keys := make([]string, 0, len(index))
	for path := range index {
		if strings.HasPrefix(path, prefix) {
			keys = append(keys, path)
		}
	}
	sort.Strings(keys)
	return keys
}
