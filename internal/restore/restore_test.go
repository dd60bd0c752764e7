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

package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrenfell/relic/internal/cache"
	"github.com/mgrenfell/relic/internal/catalog"
	"github.com/mgrenfell/relic/internal/crypto"
	"github.com/mgrenfell/relic/internal/regen"
)

// entry describes one object to seed into a test snapshot.
type entry struct {
	path    string // absolute, slash separated
	content string // file content; ignored for dirs
	link    string // symlink target; implies a link entry
	dir     bool
	inode   int64 // explicit inode for hardlink scenarios; 0 = assign
	nlinks  int   // defaults to 1 (2 for dirs)
	mtime   int64
}

// repo bundles a catalog, cache, and regenerator with a tiny write
// side used to seed snapshots the way the backup client would.
type repo struct {
	db        *catalog.DB
	cache     *cache.Cache
	keys      *crypto.Keys
	regen     *regen.Regenerator
	nextInode int64
}

func newRepo(t *testing.T, keys *crypto.Keys) *repo {
	t.Helper()

	db, err := catalog.Open(context.Background(),
		filepath.Join(t.TempDir(), "relic.db"), catalog.Options{Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := cache.New(t.TempDir())
	require.NoError(t, err)

	return &repo{
		db:        db,
		cache:     c,
		keys:      keys,
		regen:     regen.New(regen.CacheSource{Cache: c}, db, keys, c),
		nextInode: 100,
	}
}

func (r *repo) storedName(t *testing.T, name string) string {
	t.Helper()
	stored, err := r.keys.EncryptName(name)
	require.NoError(t, err)
	return stored
}

// storeBlob writes content to the cache under its digest (encrypted
// when the repo has keys) and records the checksum entry.
func (r *repo) storeBlob(t *testing.T, content []byte) string {
	t.Helper()

	h := r.keys.ContentHasher()
	h.Write(content)
	digest := fmt.Sprintf("%x", h.Sum(nil))

	if r.cache.Exists(digest) {
		return digest
	}

	w, err := r.cache.Writer(digest)
	require.NoError(t, err)
	var size int64
	if r.keys.Enabled() {
		iv, err := r.keys.NewIV()
		require.NoError(t, err)
		ew, err := crypto.NewEncryptWriter(w, r.keys, iv)
		require.NoError(t, err)
		_, err = ew.Write(content)
		require.NoError(t, err)
		require.NoError(t, ew.Close())
		size = ew.Size()
	} else {
		n, err := w.Write(content)
		require.NoError(t, err)
		size = int64(n)
	}
	require.NoError(t, w.Close())

	_, err = r.db.InsertChecksum(context.Background(), &catalog.Checksum{
		Digest: digest, Size: int64(len(content)), DiskSize: size,
		IsFile: true, Encrypted: r.keys.Enabled(),
	})
	require.NoError(t, err)
	return digest
}

// snapshot seeds one complete snapshot from entries. Parent
// directories must appear before their children.
func (r *repo) snapshot(t *testing.T, name string, entries []entry) int64 {
	t.Helper()
	ctx := context.Background()

	bset, err := r.db.BeginSnapshot(ctx, name, "", 0, time.Now())
	require.NoError(t, err)

	root := &catalog.File{
		Name: catalog.RootName, Inode: 1, Device: 1,
		Dir: true, Mode: 0o40755, NLinks: 2,
	}
	require.NoError(t, r.db.InsertFile(ctx, root, catalog.RootParent, bset))

	inodeByPath := map[string]catalog.InodeKey{"/": {Inode: 1, Device: 1}}

	for _, e := range entries {
		parentPath := filepath.Dir(e.path)
		parent, ok := inodeByPath[parentPath]
		require.True(t, ok, "parent %s of %s not seeded yet", parentPath, e.path)

		ino := e.inode
		if ino == 0 {
			r.nextInode++
			ino = r.nextInode
		}

		nlinks := e.nlinks
		if nlinks == 0 {
			nlinks = 1
			if e.dir {
				nlinks = 2
			}
		}
		mode := uint32(0o644)
		if e.dir {
			mode = 0o40755
		}
		mtime := e.mtime
		if mtime == 0 {
			mtime = time.Now().Unix()
		}

		f := &catalog.File{
			Name:  r.storedName(t, filepath.Base(e.path)),
			Inode: ino, Device: 1,
			Dir: e.dir, Link: e.link != "",
			Size: int64(len(e.content)), MTime: mtime,
			Mode: mode, UID: os.Getuid(), GID: os.Getgid(), NLinks: nlinks,
		}
		require.NoError(t, r.db.InsertFile(ctx, f, parent, bset))

		if e.dir {
			inodeByPath[e.path] = catalog.InodeKey{Inode: ino, Device: 1}
			continue
		}

		content := []byte(e.content)
		if e.link != "" {
			content = []byte(e.link)
		}
		digest := r.storeBlob(t, content)
		require.NoError(t, r.db.SetChecksum(ctx, catalog.InodeKey{Inode: ino, Device: 1}, bset, digest))
	}

	require.NoError(t, r.db.CompleteSnapshot(ctx, bset))
	return bset
}

func (r *repo) engine(opts Options) *Engine {
	return New(r.db, r.regen, r.keys, opts)
}

func defaultOpts(output string) Options {
	return Options{
		Output:    output,
		Recurse:   true,
		Overwrite: OverwriteNever,
		Hardlinks: true,
	}
}

func TestRecoverTree(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/a.txt", content: "hello"},
		{path: "/sub", dir: true},
		{path: "/sub/b.txt", content: "world"},
	})

	out := t.TempDir()
	code := r.engine(defaultOpts(out)).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)

	got, err := os.ReadFile(filepath.Join(out, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(out, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestRecoverSingleFileToName(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/data.bin", content: "payload bytes"},
	})

	outname := filepath.Join(t.TempDir(), "renamed.bin")
	code := r.engine(defaultOpts(outname)).Recover(context.Background(), []string{"/data.bin"})
	assert.Zero(t, code)

	got, err := os.ReadFile(outname)
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(got))
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/a.txt", content: "one"},
		{path: "/b.txt", content: "two"},
	})
	r.snapshot(t, "s2", []entry{
		{path: "/a.txt", content: "one"},
		{path: "/b.txt", content: "two"},
		{path: "/c.txt", content: "three"},
	})

	out1 := t.TempDir()
	opts := defaultOpts(out1)
	opts.Backup = "s1"
	code := r.engine(opts).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)
	assert.NoFileExists(t, filepath.Join(out1, "c.txt"),
		"a file added in s2 must not appear when recovering s1")

	out2 := t.TempDir()
	opts = defaultOpts(out2)
	opts.Backup = "s2"
	code = r.engine(opts).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)
	assert.FileExists(t, filepath.Join(out2, "a.txt"))
	assert.FileExists(t, filepath.Join(out2, "b.txt"))
	assert.FileExists(t, filepath.Join(out2, "c.txt"))
}

func TestRecoverEncryptedTree(t *testing.T) {
	t.Parallel()

	keys := crypto.NewKeys("key-K", "client", 64)
	r := newRepo(t, keys)
	r.snapshot(t, "s1", []entry{
		{path: "/secret.txt", content: "s3cret"},
	})

	// No cache file may contain the plaintext.
	err := filepath.Walk(r.cache.Root, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "s3cret", "plaintext leaked to %s", path)
		return nil
	})
	require.NoError(t, err)

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.Authenticate = true
	code := r.engine(opts).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)

	got, err := os.ReadFile(filepath.Join(out, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(got))

	// A different key must fail to recover.
	wrong := crypto.NewKeys("key-K-prime", "client", 64)
	badEngine := New(r.db, regen.New(regen.CacheSource{Cache: r.cache}, r.db, wrong, r.cache),
		wrong, defaultOpts(t.TempDir()))
	code = badEngine.Recover(context.Background(), []string{"/"})
	assert.NotZero(t, code)
}

func TestHardlinkReconstruction(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/x", content: "shared bytes", inode: 777, nlinks: 2},
		{path: "/y", content: "shared bytes", inode: 777, nlinks: 2},
	})

	out := t.TempDir()
	code := r.engine(defaultOpts(out)).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)

	stX, err := os.Stat(filepath.Join(out, "x"))
	require.NoError(t, err)
	stY, err := os.Stat(filepath.Join(out, "y"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(stX, stY),
		"recovered hardlinks must share one inode on the output filesystem")
}

func TestSymlinkRecovery(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/target.txt", content: "pointed at"},
		{path: "/pointer", link: "target.txt"},
	})

	out := t.TempDir()
	code := r.engine(defaultOpts(out)).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)

	dest, err := os.Readlink(filepath.Join(out, "pointer"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", dest)
}

func TestAuthFailRename(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/good.txt", content: "intact data"},
	})

	// Corrupt the blob behind the file without touching the catalog.
	info, err := r.db.FileByPath(context.Background(), "/good.txt", 1)
	require.NoError(t, err)
	require.NotNil(t, info)
	w, err := r.cache.Writer(info.Checksum)
	require.NoError(t, err)
	_, err = w.Write([]byte("corrupt data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.Authenticate = true
	opts.AuthFail = AuthFailRename
	code := r.engine(opts).Recover(context.Background(), []string{"/"})
	assert.GreaterOrEqual(t, code, 1, "a failed authentication counts as a failure")

	// The corrupt output was renamed to <name>-CORRUPT-<digest>.
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "good.txt-CORRUPT-"),
		"got %q", entries[0].Name())
}

func TestAuthFailDelete(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/fragile.txt", content: "will be corrupted"},
	})

	info, err := r.db.FileByPath(context.Background(), "/fragile.txt", 1)
	require.NoError(t, err)
	require.NotNil(t, info)
	w, err := r.cache.Writer(info.Checksum)
	require.NoError(t, err)
	_, err = w.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.Authenticate = true
	opts.AuthFail = AuthFailDelete
	code := r.engine(opts).Recover(context.Background(), []string{"/"})
	assert.GreaterOrEqual(t, code, 1)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOverwriteModes(t *testing.T) {
	t.Parallel()

	storedMTime := time.Now().Add(-time.Hour).Unix()

	tests := []struct {
		name          string
		mode          OverwriteMode
		existingMTime time.Time
		wantOverwrite bool
	}{
		{
			name:          "never keeps existing",
			mode:          OverwriteNever,
			existingMTime: time.Now(),
			wantOverwrite: false,
		},
		{
			name:          "always replaces",
			mode:          OverwriteAlways,
			existingMTime: time.Now(),
			wantOverwrite: true,
		},
		{
			name:          "newer replaces older file",
			mode:          OverwriteNewer,
			existingMTime: time.Unix(storedMTime, 0).Add(-time.Hour),
			wantOverwrite: true,
		},
		{
			name:          "newer keeps newer file",
			mode:          OverwriteNewer,
			existingMTime: time.Now(),
			wantOverwrite: false,
		},
		{
			name:          "older replaces newer file",
			mode:          OverwriteOlder,
			existingMTime: time.Now(),
			wantOverwrite: true,
		},
		{
			name:          "older keeps older file",
			mode:          OverwriteOlder,
			existingMTime: time.Unix(storedMTime, 0).Add(-time.Hour),
			wantOverwrite: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRepo(t, nil)
			r.snapshot(t, "s1", []entry{
				{path: "/f.txt", content: "stored version", mtime: storedMTime},
			})

			out := t.TempDir()
			existing := filepath.Join(out, "f.txt")
			require.NoError(t, os.WriteFile(existing, []byte("existing version"), 0o644))
			require.NoError(t, os.Chtimes(existing, tt.existingMTime, tt.existingMTime))

			opts := defaultOpts(out)
			opts.Overwrite = tt.mode
			code := r.engine(opts).Recover(context.Background(), []string{"/f.txt"})
			assert.Zero(t, code)

			got, err := os.ReadFile(existing)
			require.NoError(t, err)
			if tt.wantOverwrite {
				assert.Equal(t, "stored version", string(got))
			} else {
				assert.Equal(t, "existing version", string(got))
			}
		})
	}
}

func TestRecoverLast(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/only-in-s1.txt", content: "early"},
	})
	r.snapshot(t, "s2", []entry{
		{path: "/other.txt", content: "late"},
	})

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.Last = true
	code := r.engine(opts).Recover(context.Background(), []string{"/only-in-s1.txt"})
	assert.Zero(t, code, "last-containing scan must find the file in s1")

	got, err := os.ReadFile(filepath.Join(out, "only-in-s1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "early", string(got))
}

func TestReducePathSmart(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/data", dir: true},
		{path: "/data/file.txt", content: "reduced"},
	})

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.ReducePath = SmartReduce
	code := r.engine(opts).Recover(context.Background(),
		[]string{"/mnt/backups/data/file.txt"})
	assert.Zero(t, code)

	got, err := os.ReadFile(filepath.Join(out, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "reduced", string(got))
}

func TestReducePathFixed(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/data", dir: true},
		{path: "/data/file.txt", content: "trimmed"},
	})

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.ReducePath = 2
	code := r.engine(opts).Recover(context.Background(),
		[]string{"/mnt/backups/data/file.txt"})
	assert.Zero(t, code)
	assert.FileExists(t, filepath.Join(out, "file.txt"))
}

func TestRecoverByChecksum(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/named.txt", content: "found by digest"},
	})

	info, err := r.db.FileByPath(context.Background(), "/named.txt", 1)
	require.NoError(t, err)
	require.NotNil(t, info)

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.ByChecksum = true
	opts.RecoverName = true
	code := r.engine(opts).Recover(context.Background(), []string{info.Checksum})
	assert.Zero(t, code)

	got, err := os.ReadFile(filepath.Join(out, "named.txt"))
	require.NoError(t, err)
	assert.Equal(t, "found by digest", string(got))
}

func TestNoRecurseSkipsSubdirs(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	r.snapshot(t, "s1", []entry{
		{path: "/top.txt", content: "kept"},
		{path: "/sub", dir: true},
		{path: "/sub/deep.txt", content: "skipped"},
	})

	out := t.TempDir()
	opts := defaultOpts(out)
	opts.Recurse = false
	code := r.engine(opts).Recover(context.Background(), []string{"/"})
	assert.Zero(t, code)

	assert.FileExists(t, filepath.Join(out, "top.txt"))
	assert.NoFileExists(t, filepath.Join(out, "sub", "deep.txt"))
}

func TestCancellationStopsWalk(t *testing.T) {
	t.Parallel()

	r := newRepo(t, nil)
	entries := []entry{}
	for i := range 50 {
		entries = append(entries, entry{
			path:    fmt.Sprintf("/f%02d.txt", i),
			content: "data",
		})
	}
	r.snapshot(t, "s1", entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := t.TempDir()
	code := r.engine(defaultOpts(out)).Recover(ctx, []string{"/"})
	assert.NotZero(t, code, "a cancelled recovery exits nonzero")
}

func TestPermCheckerSemantics(t *testing.T) {
	t.Parallel()

	check := NewPermChecker(1000, []int{1000, 2000})

	tests := []struct {
		name string
		uid  int
		gid  int
		mode uint32
		dir  bool
		want bool
	}{
		{name: "owner can read own file", uid: 1000, gid: 3000, mode: 0o600, want: true},
		{name: "owner denied unreadable file", uid: 1000, gid: 3000, mode: 0o200, want: false},
		{name: "group member reads group file", uid: 0, gid: 2000, mode: 0o640, want: true},
		{name: "other falls through to world bits", uid: 0, gid: 3000, mode: 0o604, want: true},
		{name: "other denied private file", uid: 0, gid: 3000, mode: 0o640, want: false},
		{name: "dir needs execute too", uid: 1000, gid: 3000, mode: 0o40600, dir: true, want: false},
		{name: "dir with rx ok", uid: 1000, gid: 3000, mode: 0o40700, dir: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, check(tt.uid, tt.gid, tt.mode, tt.dir))
		})
	}
}

func TestParseTextACL(t *testing.T) {
	t.Parallel()

	entries, err := parseTextACL("user::rw-\nuser:1000:r--\ngroup::r--\nmask::r--\nother::---\n")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, uint16(aclUserObj), entries[0].tag)
	assert.Equal(t, uint16(6), entries[0].perm)
	assert.Equal(t, uint16(aclUser), entries[1].tag)
	assert.Equal(t, uint32(1000), entries[1].id)
	assert.Equal(t, uint16(aclOther), entries[4].tag)
	assert.Equal(t, uint16(0), entries[4].perm)

	_, err = parseTextACL("")
	assert.Error(t, err)
	_, err = parseTextACL("banana::rwx")
	assert.Error(t, err)
}
