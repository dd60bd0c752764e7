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
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// applyXattrs regenerates the blob behind a digest, parses it as a
// mapping from attribute name to base64 value, and applies each
// attribute to outname. Individual attribute failures are logged and
// skipped.
func (e *Engine) applyXattrs(ctx context.Context, digest, outname string) error {
	stream, err := e.regen.RecoverChecksum(ctx, digest, e.opts.Authenticate)
	if err != nil {
		return err
	}
	defer stream.Close()

	raw, err := io.ReadAll(stream)
	if err != nil {
		return err
	}

	var attrs map[string]string
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return fmt.Errorf("parse xattr blob %s: %w", digest, err)
	}

	for name, encoded := range attrs {
		value, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			e.log.Warn().Str("path", outname).Str("attr", name).Msg("malformed attribute value")
			continue
		}
		if err := unix.Setxattr(outname, name, value, 0); err != nil {
			e.log.Warn().Err(err).Str("path", outname).Str("attr", name).
				Msg("unable to set extended attribute")
		}
	}
	return nil
}

// POSIX ACL xattr encoding (acl_ea.h): a 4-byte version header
// followed by fixed-size entries of tag, permissions, and qualifier.
const (
	aclEAVersion = 0x0002
	aclEAAccess  = "system.posix_acl_access"

	aclUserObj  = 0x01
	aclUser     = 0x02
	aclGroupObj = 0x04
	aclGroup    = 0x08
	aclMask     = 0x10
	aclOther    = 0x20

	aclUndefinedID = 0xffffffff
)

type aclEntry struct {
	tag  uint16
	perm uint16
	id   uint32
}

// applyACL regenerates the blob behind a digest, parses its textual
// long-form ACL, and applies it whole through the access-ACL extended
// attribute.
func (e *Engine) applyACL(ctx context.Context, digest, outname string) error {
	stream, err := e.regen.RecoverChecksum(ctx, digest, e.opts.Authenticate)
	if err != nil {
		return err
	}
	defer stream.Close()

	raw, err := io.ReadAll(stream)
	if err != nil {
		return err
	}

	// The blob may hold the ACL text either bare or as a JSON string.
	text := string(raw)
	var decoded string
	if json.Unmarshal(raw, &decoded) == nil {
		text = decoded
	}

	entries, err := parseTextACL(text)
	if err != nil {
		return err
	}
	return unix.Setxattr(outname, aclEAAccess, encodeACL(entries), 0)
}

// parseTextACL parses the long text form: one entry per line,
// "tag:qualifier:perms", with everything from a "#" onward stripped.
// Qualifiers must be numeric ids; named users or groups from the
// original host are not resolvable at recovery time.
func parseTextACL(text string) ([]aclEntry, error) {
	var entries []aclEntry

	for _, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed acl entry %q", line)
		}
		tagName, qualifier, perms := fields[0], fields[1], fields[2]

		entry := aclEntry{id: aclUndefinedID, perm: parseACLPerms(perms)}
		switch tagName {
		case "user", "u":
			entry.tag = aclUserObj
			if qualifier != "" {
				entry.tag = aclUser
			}
		case "group", "g":
			entry.tag = aclGroupObj
			if qualifier != "" {
				entry.tag = aclGroup
			}
		case "mask", "m":
			entry.tag = aclMask
		case "other", "o":
			entry.tag = aclOther
		default:
			return nil, fmt.Errorf("unknown acl tag %q", tagName)
		}

		if qualifier != "" && (entry.tag == aclUser || entry.tag == aclGroup) {
			id, err := strconv.ParseUint(qualifier, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("unresolvable acl qualifier %q", qualifier)
			}
			entry.id = uint32(id)
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("empty acl")
	}
	return entries, nil
}

func parseACLPerms(s string) uint16 {
	var p uint16
	if strings.ContainsRune(s, 'r') {
		p |= 4
	}
	if strings.ContainsRune(s, 'w') {
		p |= 2
	}
	if strings.ContainsRune(s, 'x') {
		p |= 1
	}
	return p
}

func encodeACL(entries []aclEntry) []byte {
	buf := make([]byte, 4+8*len(entries))
	binary.LittleEndian.PutUint32(buf, aclEAVersion)
	for i, entry := range entries {
		off := 4 + 8*i
		binary.LittleEndian.PutUint16(buf[off:], entry.tag)
		binary.LittleEndian.PutUint16(buf[off+2:], entry.perm)
		binary.LittleEndian.PutUint32(buf[off+4:], entry.id)
	}
	return buf
}
