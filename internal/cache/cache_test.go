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

package cache

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	require.NoError(t, err)
	return c
}

func writeEntry(t *testing.T, c *Cache, name, content string) {
	t.Helper()
	w, err := c.Writer(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	c := testCache(t)
	writeEntry(t, c, "abcdef123456", "blob content")

	r, err := c.Reader("abcdef123456")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "blob content", string(got))

	// Fan-out directory is the first two digest characters.
	assert.FileExists(t, filepath.Join(c.Root, "ab", "abcdef123456"))
}

func TestWriterCommitsAtomically(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	w, err := c.Writer("deadbeef")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	// Not visible until Close.
	assert.False(t, c.Exists("deadbeef"))
	require.NoError(t, w.Close())
	assert.True(t, c.Exists("deadbeef"))
}

func TestWriterAbort(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	w, err := c.Writer("cafe0000")
	require.NoError(t, err)
	_, err = w.Write([]byte("discard me"))
	require.NoError(t, err)
	w.Abort()

	assert.False(t, c.Exists("cafe0000"))

	entries, err := os.ReadDir(c.TmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "aborted writer should leave no temp files")
}

func TestReaderMissing(t *testing.T) {
	t.Parallel()

	c := testCache(t)
	_, err := c.Reader("0000missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMoveAndLink(t *testing.T) {
	t.Parallel()

	c := testCache(t)
	writeEntry(t, c, "11112222", "payload")

	require.NoError(t, c.Move("11112222", "33334444"))
	assert.False(t, c.Exists("11112222"))
	assert.True(t, c.Exists("33334444"))

	require.NoError(t, c.Link("33334444", "55556666", false))
	assert.True(t, c.Exists("55556666"))

	st1, err := os.Stat(c.Path("33334444"))
	require.NoError(t, err)
	st2, err := os.Stat(c.Path("55556666"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(st1, st2))

	require.NoError(t, c.Link("33334444", "77778888", true))
	fi, err := os.Lstat(c.Path("77778888"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
}

func TestRemoveSuffixes(t *testing.T) {
	t.Parallel()

	c := testCache(t)
	writeEntry(t, c, "aa00bb11", "payload")
	writeEntry(t, c, "aa00bb11.sig", "sig")
	writeEntry(t, c, "aa00bb11.meta", "meta")

	err := c.RemoveSuffixes("aa00bb11", []string{SuffixSig, SuffixMeta, SuffixBasis, ""})
	require.NoError(t, err)

	assert.False(t, c.Exists("aa00bb11"))
	assert.False(t, c.Exists("aa00bb11.sig"))
	assert.False(t, c.Exists("aa00bb11.meta"))
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		meta Metadata
	}{
		{
			name: "plain blob",
			meta: Metadata{Size: 1024, DiskSize: 1024},
		},
		{
			name: "encrypted delta",
			meta: Metadata{
				Size:      4096,
				Encrypted: true,
				DiskSize:  512,
				Basis:     "ff00ff00",
			},
		},
		{
			name: "compressed",
			meta: Metadata{Size: 10, Compressed: true, DiskSize: 42},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := testCache(t)
			require.NoError(t, c.WriteMeta("0123abcd", tt.meta))

			got, err := c.ReadMeta("0123abcd")
			require.NoError(t, err)
			assert.Equal(t, tt.meta, got)
		})
	}
}

func TestReadMetaToleratesUnknownKeys(t *testing.T) {
	t.Parallel()

	c := testCache(t)
	writeEntry(t, c, "0f0f0f0f.meta", "size: 7\nfuture_key: whatever\n\nbasis: \n")

	m, err := c.ReadMeta("0f0f0f0f")
	require.NoError(t, err)
	assert.Equal(t, int64(7), m.Size)
	assert.Empty(t, m.Basis)
}
