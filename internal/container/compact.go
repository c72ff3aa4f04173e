package container

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"scribevault/internal/format"
)

// Compact rewrites the container with only the live frame per dataset,
// dropping superseded frames and tombstones. The rewrite goes to a temp
// file in the same directory, is fsynced, and atomically renamed over the
// container, so a crash mid-compaction leaves the original intact.
// Snapshots opened before compaction keep reading the old inode.
func (c *Container) Compact(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	dir := filepath.Dir(c.cfg.Path)
	tmp, err := os.CreateTemp(dir, ".compact-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hdr := format.Header{Type: format.TypeVault, Version: format.VaultVersion}.Encode()
	if _, err := tmp.Write(hdr[:]); err != nil {
		cleanup()
		return err
	}

	paths := make([]string, 0, len(c.index))
	for path := range c.index {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	newIndex := make(map[string]entry, len(paths))
	offset := int64(format.HeaderSize)
	for i, path := range paths {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				cleanup()
				return err
			}
		}
		e := c.index[path]
		buf := make([]byte, e.size)
		if _, err := c.file.ReadAt(buf, e.offset); err != nil {
			cleanup()
			return err
		}
		if _, err := tmp.Write(buf); err != nil {
			cleanup()
			return err
		}
		newIndex[path] = entry{offset: offset, size: e.size}
		offset += int64(e.size)
	}

	if err := tmp.Chmod(c.cfg.FileMode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, c.cfg.Path); err != nil {
		cleanup()
		return err
	}

	// The temp descriptor now names the container path, so the writer
	// adopts it directly; reopening by path would add a failure window
	// where c.file still points at the replaced inode.
	_ = c.file.Close()
	before := c.tail
	c.file = tmp
	c.index = newIndex
	c.tail = offset

	c.logger.Info("container compacted",
		"path", c.cfg.Path, "datasets", len(newIndex),
		"bytes_before", before, "bytes_after", offset)
	return nil
}
