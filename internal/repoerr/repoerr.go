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

// Package repoerr defines the error taxonomy shared across the repository
// core. Callers classify failures with errors.Is against these sentinels;
// context is attached at the failure site with fmt.Errorf("...: %w", ...).
package repoerr

import "errors"

var (
	// ErrAuthFailure indicates a regenerated file's digest does not match
	// the digest recorded in the catalog.
	ErrAuthFailure = errors.New("content did not authenticate")

	// ErrDecrypt indicates ciphertext tampering, a truncated blob, or a
	// wrong key.
	ErrDecrypt = errors.New("decryption failed")

	// ErrNotFound indicates a path, digest, or snapshot is not present.
	ErrNotFound = errors.New("not found")

	// ErrIO indicates the underlying blob storage failed.
	ErrIO = errors.New("storage i/o failure")

	// ErrRemote indicates a remote catalog HTTP failure.
	ErrRemote = errors.New("remote catalog failure")

	// ErrSchema indicates a catalog schema version mismatch.
	ErrSchema = errors.New("catalog schema mismatch")

	// ErrPermission indicates a recovery-side filesystem permission
	// failure.
	ErrPermission = errors.New("permission denied")

	// ErrCancelled indicates a user interrupt was propagated.
	ErrCancelled = errors.New("operation cancelled")
)
