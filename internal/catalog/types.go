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

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RootParent is the parent inode sentinel for entries directly under
// the filesystem root of a snapshot.
var RootParent = InodeKey{}

// RootName is the interned name of the root directory entry. It is
// stored as-is in both plaintext and encrypted repositories so path
// resolution can always anchor at it.
const RootName = "/"

// InodeKey identifies a file across one backup run.
type InodeKey struct {
	Inode  int64
	Device int64
}

// Snapshot is one backup set: created when a client opens a session,
// sealed at session end, subject to deletion by purge.
type Snapshot struct {
	ID         int64
	Name       string
	Session    string
	StartTime  int64
	EndTime    int64
	ClientTime int64
	Completed  bool
	Priority   int
}

// File is the appearance of one inode within one snapshot. Name holds
// the stored byte string, which is ciphertext under encryption.
type File struct {
	Name      string
	NameID    int64
	BackupSet int64
	Inode     int64
	Device    int64
	Parent    int64
	ParentDev int64
	Dir       bool
	Link      bool
	Size      int64
	MTime     int64
	CTime     int64
	ATime     int64
	Mode      uint32
	UID       int
	GID       int
	NLinks    int

	// Content digests; empty means absent.
	Checksum      string
	XattrChecksum string
	ACLChecksum   string
}

// Key returns the file's inode identity.
func (f *File) Key() InodeKey {
	return InodeKey{Inode: f.Inode, Device: f.Device}
}

// ParentKey returns the identity of the containing directory.
func (f *File) ParentKey() InodeKey {
	return InodeKey{Inode: f.Parent, Device: f.ParentDev}
}

// Checksum is one content digest entry. Basis, when set, names the
// digest this blob is stored as a binary delta against; the basis
// relation forms chains walked by the regenerator.
type Checksum struct {
	ID          int64
	Digest      string
	Size        int64
	DiskSize    int64
	Basis       string
	IsFile      bool
	Compressed  bool
	Encrypted   bool
	ChainLength int
}

// Catalog is the read surface shared by the local database and the
// remote HTTP proxy. Lookups that find nothing return nil with a nil
// error; only genuine failures surface as errors.
type Catalog interface {
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	LastSnapshot(ctx context.Context, completedOnly bool) (*Snapshot, error)
	SnapshotByName(ctx context.Context, name string) (*Snapshot, error)
	SnapshotForTime(ctx context.Context, t time.Time) (*Snapshot, error)

	FileByName(ctx context.Context, name string, parent InodeKey, bset int64) (*File, error)
	FileByPath(ctx context.Context, path string, bset int64) (*File, error)
	FileByInode(ctx context.Context, ino InodeKey, bset int64) (*File, error)
	ReadDirectory(ctx context.Context, dir InodeKey, bset int64) ([]File, error)

	ChecksumInfo(ctx context.Context, digest string) (*Checksum, error)
	Chain(ctx context.Context, digest string) ([]Checksum, error)
	NamesForChecksum(ctx context.Context, digest string) ([]string, error)

	Close() error
}

// SplitPath produces path components root-first: "/a/b" becomes
// ["/", "a", "b"]. Resolution starts at the root sentinel and walks
// each component with FileByName.
func SplitPath(path string) []string {
	path = filepath.Clean(path)
	if path == "." || path == "" {
		return nil
	}

	var parts []string
	if filepath.IsAbs(path) {
		parts = append(parts, RootName)
		path = strings.TrimPrefix(path, string(os.PathSeparator))
		if path == "" {
			return parts
		}
	}
	return append(parts, strings.Split(path, string(os.PathSeparator))...)
}
