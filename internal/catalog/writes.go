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

	"github.com/google/uuid"
)

// BeginSnapshot creates a new backup set and returns its id. The
// session token identifies the client session that owns the set; pass
// "" to mint one.
func (c *DB) BeginSnapshot(ctx context.Context, name string, session string, priority int, clientTime time.Time) (int64, error) {
	if session == "" {
		session = uuid.NewString()
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO Backups (Name, Completed, StartTime, Session, Priority, ClientTime)
		 VALUES (?, 0, ?, ?, ?, ?)`,
		name, time.Now().Unix(), session, priority, clientTime.Unix())
	if err != nil {
		return 0, fmt.Errorf("begin snapshot %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CompleteSnapshot seals a backup set, stamping its end time.
func (c *DB) CompleteSnapshot(ctx context.Context, bset int64) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE Backups SET Completed = 1, EndTime = ? WHERE BackupSet = ?",
		time.Now().Unix(), bset)
	if err != nil {
		return fmt.Errorf("complete snapshot %d: %w", bset, err)
	}
	return nil
}

// internName looks a stored name up, inserting it on first use, and
// returns its stable id.
func internName(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, "SELECT NameId FROM Names WHERE Name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("intern name: %w", err)
	}
	res, err := q.ExecContext(ctx, "INSERT INTO Names (Name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("intern name: %w", err)
	}
	return res.LastInsertId()
}

const insertFileSQL = `
	INSERT INTO Files
	(NameId, BackupSet, Inode, Device, Parent, ParentDev, Dir, Link,
	 Size, MTime, CTime, ATime, Mode, UID, GID, NLinks)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func fileArgs(nameID int64, f *File, parent InodeKey, bset int64) []any {
	return []any{
		nameID, bset, f.Inode, f.Device, parent.Inode, parent.Device,
		boolInt(f.Dir), boolInt(f.Link),
		f.Size, f.MTime, f.CTime, f.ATime, f.Mode, f.UID, f.GID, f.NLinks,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertFile records one file's appearance in a snapshot, interning
// its name first.
func (c *DB) InsertFile(ctx context.Context, f *File, parent InodeKey, bset int64) error {
	nameID, err := internName(ctx, c.db, f.Name)
	if err != nil {
		return err
	}
	f.NameID = nameID
	if _, err := c.db.ExecContext(ctx, insertFileSQL, fileArgs(nameID, f, parent, bset)...); err != nil {
		return fmt.Errorf("insert file %q: %w", f.Name, err)
	}
	return nil
}

// InsertFiles records a batch of files under one parent in a single
// transaction, interning all distinct names before writing file rows.
func (c *DB) InsertFiles(ctx context.Context, files []*File, parent InodeKey, bset int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert files: %w", err)
	}
	defer tx.Rollback()

	ids := make(map[string]int64, len(files))
	for _, f := range files {
		if _, ok := ids[f.Name]; ok {
			continue
		}
		id, err := internName(ctx, tx, f.Name)
		if err != nil {
			return err
		}
		ids[f.Name] = id
	}

	stmt, err := tx.PrepareContext(ctx, insertFileSQL)
	if err != nil {
		return fmt.Errorf("insert files: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		f.NameID = ids[f.Name]
		if _, err := stmt.ExecContext(ctx, fileArgs(f.NameID, f, parent, bset)...); err != nil {
			return fmt.Errorf("insert file %q: %w", f.Name, err)
		}
	}
	return tx.Commit()
}

const cloneDirSQL = `
	INSERT INTO Files
	(NameId, BackupSet, Inode, Device, Parent, ParentDev, ChecksumId,
	 XattrId, AclId, Dir, Link, Size, MTime, CTime, ATime, Mode, UID, GID, NLinks)
	SELECT NameId, ?, Inode, Device, Parent, ParentDev, ChecksumId,
	 XattrId, AclId, Dir, Link, Size, MTime, CTime, ATime, Mode, UID, GID, NLinks
	FROM Files WHERE BackupSet = ? AND Parent = ? AND ParentDev = ?`

// CloneDirectory copies every file record under a parent from one
// snapshot to another, used when a directory is unchanged between
// backups. Returns the number of records cloned.
func (c *DB) CloneDirectory(ctx context.Context, parent InodeKey, from, to int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, cloneDirSQL, to, from, parent.Inode, parent.Device)
	if err != nil {
		return 0, fmt.Errorf("clone directory (%d,%d): %w", parent.Inode, parent.Device, err)
	}
	return res.RowsAffected()
}

// CloneDirectories clones a batch of unchanged directories in one
// transaction.
func (c *DB) CloneDirectories(ctx context.Context, parents []InodeKey, from, to int64) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("clone directories: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, cloneDirSQL)
	if err != nil {
		return 0, fmt.Errorf("clone directories: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, parent := range parents {
		res, err := stmt.ExecContext(ctx, to, from, parent.Inode, parent.Device)
		if err != nil {
			return 0, fmt.Errorf("clone directory (%d,%d): %w", parent.Inode, parent.Device, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// InsertChecksum records a new content digest. A basis that does not
// resolve to an existing checksum is rejected, which keeps the basis
// graph acyclic; the chain length is derived from the basis entry.
func (c *DB) InsertChecksum(ctx context.Context, ck *Checksum) (int64, error) {
	chainLength := 0
	var basis any
	if ck.Basis != "" {
		base, err := c.ChecksumInfo(ctx, ck.Basis)
		if err != nil {
			return 0, err
		}
		if base == nil {
			return 0, fmt.Errorf("insert checksum %s: basis %s does not exist", ck.Digest, ck.Basis)
		}
		chainLength = base.ChainLength + 1
		basis = ck.Basis
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO CheckSums
		 (Checksum, Size, DiskSize, Basis, IsFile, Compressed, Encrypted, ChainLength)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ck.Digest, ck.Size, ck.DiskSize, basis, boolInt(ck.IsFile),
		boolInt(ck.Compressed), boolInt(ck.Encrypted), chainLength)
	if err != nil {
		return 0, fmt.Errorf("insert checksum %s: %w", ck.Digest, err)
	}
	ck.ChainLength = chainLength
	return res.LastInsertId()
}

func (c *DB) setFileChecksumColumn(ctx context.Context, column string, ino InodeKey, bset int64, digest string) error {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE Files SET %s =
		 (SELECT ChecksumId FROM CheckSums WHERE Checksum = ?)
		 WHERE Inode = ? AND Device = ? AND BackupSet = ?`, column),
		digest, ino.Inode, ino.Device, bset)
	if err != nil {
		return fmt.Errorf("set %s for inode (%d,%d): %w", column, ino.Inode, ino.Device, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set %s: no file rows for inode (%d,%d) in set %d",
			column, ino.Inode, ino.Device, bset)
	}
	return nil
}

// SetChecksum associates content with a file after the fact.
func (c *DB) SetChecksum(ctx context.Context, ino InodeKey, bset int64, digest string) error {
	return c.setFileChecksumColumn(ctx, "ChecksumId", ino, bset, digest)
}

// SetXattrChecksum associates a serialized extended-attribute blob.
func (c *DB) SetXattrChecksum(ctx context.Context, ino InodeKey, bset int64, digest string) error {
	return c.setFileChecksumColumn(ctx, "XattrId", ino, bset, digest)
}

// SetACLChecksum associates a textual ACL blob.
func (c *DB) SetACLChecksum(ctx context.Context, ino InodeKey, bset int64, digest string) error {
	return c.setFileChecksumColumn(ctx, "AclId", ino, bset, digest)
}

// CopyChecksum carries the content digest recorded for an inode in one
// snapshot onto the same inode in another, used when a file is known
// unchanged.
func (c *DB) CopyChecksum(ctx context.Context, ino InodeKey, from, to int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE Files SET ChecksumId =
		 (SELECT ChecksumId FROM Files WHERE Inode = ? AND Device = ? AND BackupSet = ?)
		 WHERE Inode = ? AND Device = ? AND BackupSet = ?`,
		ino.Inode, ino.Device, from, ino.Inode, ino.Device, to)
	if err != nil {
		return fmt.Errorf("copy checksum for inode (%d,%d): %w", ino.Inode, ino.Device, err)
	}
	return nil
}

// Purge deletes snapshots at or below a priority whose end time is at
// or before the cutoff and whose id is strictly less than current,
// together with all file records referencing them. Runs as one
// transaction. Returns (files deleted, snapshots deleted).
func (c *DB) Purge(ctx context.Context, priority int, before time.Time, current int64) (int64, int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM Files WHERE BackupSet IN
		 (SELECT BackupSet FROM Backups
		  WHERE Priority <= ? AND EndTime <= ? AND BackupSet < ?)`,
		priority, before.Unix(), current)
	if err != nil {
		return 0, 0, fmt.Errorf("purge files: %w", err)
	}
	filesDeleted, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.ExecContext(ctx,
		"DELETE FROM Backups WHERE Priority <= ? AND EndTime <= ? AND BackupSet < ?",
		priority, before.Unix(), current)
	if err != nil {
		return 0, 0, fmt.Errorf("purge snapshots: %w", err)
	}
	setsDeleted, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return filesDeleted, setsDeleted, nil
}

// OrphanChecksums enumerates checksum entries no file references and
// no other checksum names as basis, pending sweep from the blob cache.
func (c *DB) OrphanChecksums(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT Checksum FROM CheckSums
		 WHERE ChecksumId NOT IN
		   (SELECT DISTINCT ChecksumId FROM Files WHERE ChecksumId IS NOT NULL)
		 AND ChecksumId NOT IN
		   (SELECT DISTINCT XattrId FROM Files WHERE XattrId IS NOT NULL)
		 AND ChecksumId NOT IN
		   (SELECT DISTINCT AclId FROM Files WHERE AclId IS NOT NULL)
		 AND Checksum NOT IN
		   (SELECT DISTINCT Basis FROM CheckSums WHERE Basis IS NOT NULL)`)
	if err != nil {
		return nil, fmt.Errorf("orphan checksums: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var digest string
		if err := rows.Scan(&digest); err != nil {
			return nil, err
		}
		out = append(out, digest)
	}
	return out, rows.Err()
}

// DeleteChecksum removes one checksum entry.
func (c *DB) DeleteChecksum(ctx context.Context, digest string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM CheckSums WHERE Checksum = ?", digest)
	if err != nil {
		return fmt.Errorf("delete checksum %s: %w", digest, err)
	}
	return nil
}
