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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const snapshotColumns = `
	BackupSet, Name, COALESCE(Session, ''), COALESCE(StartTime, 0),
	COALESCE(EndTime, 0), COALESCE(ClientTime, 0), Completed, Priority`

func scanSnapshot(row interface{ Scan(...any) error }) (*Snapshot, error) {
	var s Snapshot
	var completed int
	err := row.Scan(&s.ID, &s.Name, &s.Session, &s.StartTime,
		&s.EndTime, &s.ClientTime, &completed, &s.Priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Completed = completed != 0
	return &s, nil
}

// ListSnapshots returns every backup set, oldest first.
func (c *DB) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT"+snapshotColumns+" FROM Backups ORDER BY BackupSet ASC")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// LastSnapshot returns the most recent backup set, restricted to
// completed ones when completedOnly is set. Returns nil when no
// qualifying snapshot exists.
func (c *DB) LastSnapshot(ctx context.Context, completedOnly bool) (*Snapshot, error) {
	q := "SELECT" + snapshotColumns + " FROM Backups "
	if completedOnly {
		q += "WHERE Completed = 1 "
	}
	q += "ORDER BY BackupSet DESC LIMIT 1"
	return scanSnapshot(c.db.QueryRowContext(ctx, q))
}

// SnapshotByName looks a backup set up by its unique name.
func (c *DB) SnapshotByName(ctx context.Context, name string) (*Snapshot, error) {
	return scanSnapshot(c.db.QueryRowContext(ctx,
		"SELECT"+snapshotColumns+" FROM Backups WHERE Name = ?", name))
}

// SnapshotForTime returns the completed backup set with the largest
// start time at or before t.
func (c *DB) SnapshotForTime(ctx context.Context, t time.Time) (*Snapshot, error) {
	return scanSnapshot(c.db.QueryRowContext(ctx,
		"SELECT"+snapshotColumns+` FROM Backups
		 WHERE Completed = 1 AND StartTime <= ?
		 ORDER BY StartTime DESC LIMIT 1`, t.Unix()))
}

const fileColumns = `
	Names.Name, Files.NameId, Files.BackupSet, Files.Inode, Files.Device,
	Files.Parent, Files.ParentDev, Files.Dir, Files.Link,
	COALESCE(Files.Size, 0), COALESCE(Files.MTime, 0),
	COALESCE(Files.CTime, 0), COALESCE(Files.ATime, 0),
	COALESCE(Files.Mode, 0), COALESCE(Files.UID, 0),
	COALESCE(Files.GID, 0), COALESCE(Files.NLinks, 1),
	COALESCE(C.Checksum, ''), COALESCE(X.Checksum, ''), COALESCE(A.Checksum, '')`

const fileJoins = `
	FROM Files
	JOIN Names ON Files.NameId = Names.NameId
	LEFT OUTER JOIN CheckSums C ON Files.ChecksumId = C.ChecksumId
	LEFT OUTER JOIN CheckSums X ON Files.XattrId = X.ChecksumId
	LEFT OUTER JOIN CheckSums A ON Files.AclId = A.ChecksumId`

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var f File
	var dir, link int
	err := row.Scan(&f.Name, &f.NameID, &f.BackupSet, &f.Inode, &f.Device,
		&f.Parent, &f.ParentDev, &dir, &link,
		&f.Size, &f.MTime, &f.CTime, &f.ATime,
		&f.Mode, &f.UID, &f.GID, &f.NLinks,
		&f.Checksum, &f.XattrChecksum, &f.ACLChecksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	f.Dir = dir != 0
	f.Link = link != 0
	return &f, nil
}

// FileByName looks a file up by name within a directory in a snapshot.
// The name must be in stored form (ciphertext under encryption).
func (c *DB) FileByName(ctx context.Context, name string, parent InodeKey, bset int64) (*File, error) {
	return scanFile(c.db.QueryRowContext(ctx,
		"SELECT"+fileColumns+fileJoins+`
		 WHERE Names.Name = ? AND Files.Parent = ? AND Files.ParentDev = ?
		   AND Files.BackupSet = ?`,
		name, parent.Inode, parent.Device, bset))
}

// FileByInode looks a file up by its inode identity in a snapshot.
func (c *DB) FileByInode(ctx context.Context, ino InodeKey, bset int64) (*File, error) {
	return scanFile(c.db.QueryRowContext(ctx,
		"SELECT"+fileColumns+fileJoins+`
		 WHERE Files.Inode = ? AND Files.Device = ? AND Files.BackupSet = ?`,
		ino.Inode, ino.Device, bset))
}

// FileByPath resolves a path component-by-component from the root
// sentinel. A missing component aborts resolution with a nil result.
func (c *DB) FileByPath(ctx context.Context, path string, bset int64) (*File, error) {
	parent := RootParent
	var info *File
	for _, name := range SplitPath(path) {
		var err error
		info, err = c.FileByName(ctx, name, parent, bset)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, nil
		}
		parent = info.Key()
	}
	return info, nil
}

// ReadDirectory returns the file records whose parent is the given
// directory in the given snapshot.
func (c *DB) ReadDirectory(ctx context.Context, dir InodeKey, bset int64) ([]File, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT"+fileColumns+fileJoins+`
		 WHERE Files.Parent = ? AND Files.ParentDev = ? AND Files.BackupSet = ?
		 ORDER BY Files.NameId ASC`,
		dir.Inode, dir.Device, bset)
	if err != nil {
		return nil, fmt.Errorf("read directory (%d,%d): %w", dir.Inode, dir.Device, err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("read directory (%d,%d): %w", dir.Inode, dir.Device, err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

const checksumColumns = `
	ChecksumId, Checksum, Size, DiskSize, COALESCE(Basis, ''),
	IsFile, Compressed, Encrypted, ChainLength`

func scanChecksum(row interface{ Scan(...any) error }) (*Checksum, error) {
	var ck Checksum
	var isFile, compressed, encrypted int
	err := row.Scan(&ck.ID, &ck.Digest, &ck.Size, &ck.DiskSize, &ck.Basis,
		&isFile, &compressed, &encrypted, &ck.ChainLength)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ck.IsFile = isFile != 0
	ck.Compressed = compressed != 0
	ck.Encrypted = encrypted != 0
	return &ck, nil
}

// ChecksumInfo returns the checksum entry for a digest, or nil.
func (c *DB) ChecksumInfo(ctx context.Context, digest string) (*Checksum, error) {
	return scanChecksum(c.db.QueryRowContext(ctx,
		"SELECT"+checksumColumns+" FROM CheckSums WHERE Checksum = ?", digest))
}

// Chain returns the checksum entry for a digest followed by its basis
// entries, root last. The basis graph is acyclic by construction, but
// the walk is still bounded against a corrupted catalog.
func (c *DB) Chain(ctx context.Context, digest string) ([]Checksum, error) {
	var chain []Checksum
	seen := make(map[string]bool)
	for digest != "" {
		if seen[digest] {
			return nil, fmt.Errorf("checksum chain for %s contains a cycle", chain[0].Digest)
		}
		seen[digest] = true

		ck, err := c.ChecksumInfo(ctx, digest)
		if err != nil {
			return nil, err
		}
		if ck == nil {
			return nil, fmt.Errorf("chain references missing checksum %s", digest)
		}
		chain = append(chain, *ck)
		digest = ck.Basis
	}
	return chain, nil
}

// NamesForChecksum returns every stored name ever associated with a
// digest.
func (c *DB) NamesForChecksum(ctx context.Context, digest string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT Names.Name
		 FROM Names
		 JOIN Files ON Names.NameId = Files.NameId
		 JOIN CheckSums ON Files.ChecksumId = CheckSums.ChecksumId
		 WHERE CheckSums.Checksum = ?`, digest)
	if err != nil {
		return nil, fmt.Errorf("names for checksum %s: %w", digest, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// FileBySimilar finds a file with the same inode, mtime, and size in
// or after the given snapshot, used to detect files that moved between
// backups.
func (c *DB) FileBySimilar(ctx context.Context, ino InodeKey, mtime, size, bset int64) (*File, error) {
	return scanFile(c.db.QueryRowContext(ctx,
		"SELECT"+fileColumns+fileJoins+`
		 WHERE Files.Inode = ? AND Files.Device = ? AND Files.MTime = ?
		   AND Files.Size = ? AND Files.BackupSet >= ?
		   AND Files.ChecksumId IS NOT NULL`,
		ino.Inode, ino.Device, mtime, size, bset))
}
