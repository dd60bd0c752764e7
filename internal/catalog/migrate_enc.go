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

// Catalog operations that exist for the re-encryption pipeline: bulk
// name rewriting, per-chain-length checksum enumeration, and digest
// renames that keep every basis pointer consistent.

import (
	"context"
	"fmt"
)

// RewriteNames applies f to every interned name in a single
// transaction. f returning the input unchanged leaves the row alone.
// Returns the number of rows rewritten.
func (c *DB) RewriteNames(ctx context.Context, f func(string) (string, error)) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rewrite names: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT NameId, Name FROM Names")
	if err != nil {
		return 0, fmt.Errorf("rewrite names: %w", err)
	}

	type nameRow struct {
		id   int64
		name string
	}
	var pending []nameRow
	for rows.Next() {
		var r nameRow
		if err := rows.Scan(&r.id, &r.name); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	rewritten := 0
	for _, r := range pending {
		newName, err := f(r.name)
		if err != nil {
			return 0, fmt.Errorf("rewrite name id %d: %w", r.id, err)
		}
		if newName == r.name {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE Names SET Name = ? WHERE NameId = ?", newName, r.id); err != nil {
			return 0, fmt.Errorf("rewrite name id %d: %w", r.id, err)
		}
		rewritten++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rewritten, nil
}

// DirectoryEntry is one unique directory content digest together with
// a representative inode and the most recent snapshot it appears in.
type DirectoryEntry struct {
	Dir        InodeKey
	LastSet    int64
	ChecksumID int64
	Digest     string
}

// DirectoryChecksums enumerates unique directory digests in chain
// length ascending order, for directory hash regeneration.
func (c *DB) DirectoryChecksums(ctx context.Context) ([]DirectoryEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT Files.Inode, Files.Device, MAX(Files.BackupSet),
		        CheckSums.ChecksumId, CheckSums.Checksum
		 FROM Files
		 JOIN CheckSums ON Files.ChecksumId = CheckSums.ChecksumId
		 WHERE Files.Dir = 1
		 GROUP BY CheckSums.ChecksumId
		 ORDER BY CheckSums.ChainLength ASC, CheckSums.Checksum ASC`)
	if err != nil {
		return nil, fmt.Errorf("directory checksums: %w", err)
	}
	defer rows.Close()

	var out []DirectoryEntry
	for rows.Next() {
		var e DirectoryEntry
		if err := rows.Scan(&e.Dir.Inode, &e.Dir.Device, &e.LastSet, &e.ChecksumID, &e.Digest); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateChecksumDigest renames a digest by checksum id, for directory
// rehashing where nothing else references the old digest.
func (c *DB) UpdateChecksumDigest(ctx context.Context, id int64, newDigest string) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE CheckSums SET Checksum = ? WHERE ChecksumId = ?", newDigest, id)
	if err != nil {
		return fmt.Errorf("update checksum %d: %w", id, err)
	}
	return nil
}

// MaxChainLength returns the deepest basis chain in the catalog.
func (c *DB) MaxChainLength(ctx context.Context) (int, error) {
	var level int
	err := c.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(ChainLength), 0) FROM CheckSums").Scan(&level)
	if err != nil {
		return 0, fmt.Errorf("max chain length: %w", err)
	}
	return level, nil
}

// UnencryptedAtChainLength enumerates file checksums still stored in
// plaintext at one chain depth.
func (c *DB) UnencryptedAtChainLength(ctx context.Context, level int) ([]Checksum, error) {
	return c.checksumList(ctx,
		"SELECT"+checksumColumns+` FROM CheckSums
		 WHERE Encrypted = 0 AND IsFile = 1 AND ChainLength = ?
		 ORDER BY Checksum`, level)
}

// FileChecksums enumerates every file (non-directory) checksum entry.
func (c *DB) FileChecksums(ctx context.Context) ([]Checksum, error) {
	return c.checksumList(ctx,
		"SELECT"+checksumColumns+" FROM CheckSums WHERE IsFile = 1 ORDER BY Checksum")
}

func (c *DB) checksumList(ctx context.Context, query string, args ...any) ([]Checksum, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checksums: %w", err)
	}
	defer rows.Close()

	var out []Checksum
	for rows.Next() {
		ck, err := scanChecksum(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ck)
	}
	return out, rows.Err()
}

// EncryptChecksum renames a plaintext digest to its encrypted digest
// in one transaction: the row is marked encrypted with its new disk
// size, and every basis pointer naming the old digest is rewritten.
// Foreign key checks are deferred inside the transaction because the
// parent key and its referents change together.
func (c *DB) EncryptChecksum(ctx context.Context, oldDigest, newDigest string, diskSize int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("encrypt checksum %s: %w", oldDigest, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fmt.Errorf("encrypt checksum %s: %w", oldDigest, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE CheckSums SET Encrypted = 1, DiskSize = ?, Checksum = ?
		 WHERE Checksum = ?`, diskSize, newDigest, oldDigest); err != nil {
		return fmt.Errorf("encrypt checksum %s: %w", oldDigest, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE CheckSums SET Basis = ? WHERE Basis = ?", newDigest, oldDigest); err != nil {
		return fmt.Errorf("encrypt checksum %s: rewrite basis pointers: %w", oldDigest, err)
	}
	return tx.Commit()
}
