/*
 * relic: deduplicating content-addressed backup recovery
 * Copyright © 2026 Michael Grenfell
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package cache implements the filesystem-backed content-addressed blob
// store. Blobs are keyed by their digest string and fanned out into
// two-character prefix directories. Auxiliary sidecar files share the
// digest stem: <digest>.sig holds a delta signature, <digest>.meta the
// recovery metadata, <digest>.basis a textual base digest reference.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sidecar suffixes recognized by the cache.
const (
	SuffixSig   = ".sig"
	SuffixMeta  = ".meta"
	SuffixBasis = ".basis"
)

// Cache is a content-addressed object store rooted at a directory.
// Entries are never locked; concurrent writers of the same digest
// converge because the payload bytes are identical and the last rename
// wins.
type Cache struct {
	Root   string
	TmpDir string
}

// New returns a cache rooted at dir, creating the root and its tmp
// directory if needed.
func New(dir string) (*Cache, error) {
	tmp := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dirs: %w", err)
	}
	return &Cache{Root: dir, TmpDir: tmp}, nil
}

// Path returns the on-disk location for an entry name. The fan-out key
// is the first two characters of the digest; sidecar suffixes share
// their payload's directory.
func (c *Cache) Path(name string) string {
	if len(name) < 2 {
		return filepath.Join(c.Root, name)
	}
	return filepath.Join(c.Root, name[:2], name)
}

// Reader opens an entry for reading.
func (c *Cache) Reader(name string) (io.ReadCloser, error) {
	f, err := os.Open(c.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", name, os.ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// Writer opens an entry for writing. Bytes are streamed to a temporary
// file and the entry only appears under its final name when Close
// succeeds; a crash or Abort leaves no partial entry behind.
func (c *Cache) Writer(name string) (*EntryWriter, error) {
	tmp, err := os.CreateTemp(c.TmpDir, ".write-*")
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", name, err)
	}
	return &EntryWriter{cache: c, name: name, tmp: tmp}, nil
}

// EntryWriter stages an entry and commits it atomically on Close.
type EntryWriter struct {
	cache *Cache
	name  string
	tmp   *os.File
	done  bool
}

func (w *EntryWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

// Close syncs the staged bytes and renames them into place.
func (w *EntryWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	tmpName := w.tmp.Name()
	defer os.Remove(tmpName) // no-op if rename succeeded

	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		return fmt.Errorf("fsync %s: %w", w.name, err)
	}
	if err := w.tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", w.name, err)
	}

	final := w.cache.Path(w.name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", w.name, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("rename %s into place: %w", w.name, err)
	}

	// Best-effort: fsync the directory so the rename is durable.
	_ = fsyncDir(filepath.Dir(final))
	return nil
}

// Abort discards the staged bytes without publishing the entry.
func (w *EntryWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	name := w.tmp.Name()
	_ = w.tmp.Close()
	_ = os.Remove(name)
}

// Exists reports whether an entry is present.
func (c *Cache) Exists(name string) bool {
	_, err := os.Lstat(c.Path(name))
	return err == nil
}

// Size returns the on-disk size of an entry.
func (c *Cache) Size(name string) (int64, error) {
	st, err := os.Stat(c.Path(name))
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}
	return st.Size(), nil
}

// Remove deletes an entry. Missing entries are not an error.
func (c *Cache) Remove(name string) error {
	err := os.Remove(c.Path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// RemoveSuffixes bulk-deletes the auxiliary entries bound to a digest.
// An empty suffix in the list removes the payload itself.
func (c *Cache) RemoveSuffixes(digest string, suffixes []string) error {
	for _, s := range suffixes {
		if err := c.Remove(digest + s); err != nil {
			return err
		}
	}
	return nil
}

// Move renames an entry, creating the destination fan-out directory as
// needed.
func (c *Cache) Move(oldName, newName string) error {
	dst := c.Path(newName)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", newName, err)
	}
	if err := os.Rename(c.Path(oldName), dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", oldName, newName, err)
	}
	return nil
}

// Link creates dst as a link to src, hard by default, symbolic when
// soft is set.
func (c *Cache) Link(src, dst string, soft bool) error {
	target := c.Path(dst)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", dst, err)
	}
	var err error
	if soft {
		err = os.Symlink(c.Path(src), target)
	} else {
		err = os.Link(c.Path(src), target)
	}
	if err != nil {
		return fmt.Errorf("link %s to %s: %w", src, dst, err)
	}
	return nil
}

// TempFile creates a spool file in the cache's tmp directory. The file
// is not removed on close; the caller unlinks it. Used by the
// regenerator when a patch stage needs a seekable intermediate.
func (c *Cache) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(c.TmpDir, ".spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return f, nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
