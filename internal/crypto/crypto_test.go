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

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrenfell/relic/internal/repoerr"
)

// Small iteration count keeps the KDF fast in tests.
func testKeys(t *testing.T) *Keys {
	t.Helper()
	return NewKeys("hunter2", "client-a", 64)
}

func TestEncryptNameDeterministic(t *testing.T) {
	t.Parallel()

	k := testKeys(t)

	a, err := k.EncryptName("document.txt")
	require.NoError(t, err)
	b, err := k.EncryptName("document.txt")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// A fresh key derivation from the same inputs must agree, since
	// lookups happen across process restarts.
	k2 := NewKeys("hunter2", "client-a", 64)
	c, err := k2.EncryptName("document.txt")
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestEncryptNameRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "simple", input: "file.txt"},
		{name: "single byte", input: "x"},
		{name: "exactly one block", input: "0123456789abcdef"},
		{name: "multi block", input: strings.Repeat("name-", 20)},
		{name: "utf8", input: "résumé.pdf"},
	}

	k := testKeys(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ct, err := k.EncryptName(tt.input)
			require.NoError(t, err)
			assert.NotEqual(t, tt.input, ct)
			assert.NotContains(t, ct, "/")

			pt, err := k.DecryptName(ct)
			require.NoError(t, err)
			assert.Equal(t, tt.input, pt)
		})
	}
}

func TestDecryptNameWrongKey(t *testing.T) {
	t.Parallel()

	k := testKeys(t)
	ct, err := k.EncryptName("secret-name")
	require.NoError(t, err)

	other := NewKeys("different", "client-a", 64)
	_, err = other.DecryptName(ct)
	assert.ErrorIs(t, err, repoerr.ErrDecrypt)
}

func TestDecryptNameTampered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "not base64", input: "!!!not-base64!!!"},
		{name: "truncated", input: "QUJD"},
		{name: "empty", input: ""},
	}

	k := testKeys(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := k.DecryptName(tt.input)
			assert.ErrorIs(t, err, repoerr.ErrDecrypt)
		})
	}
}

func TestEncryptPathComponentWise(t *testing.T) {
	t.Parallel()

	k := testKeys(t)

	encPath, err := k.EncryptPath("/home/user/docs")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encPath, "/"))
	assert.Len(t, strings.Split(encPath, "/"), 4)

	// Each component must match the standalone component encryption so
	// per-component catalog lookups agree with path lookups.
	encUser, err := k.EncryptName("user")
	require.NoError(t, err)
	assert.Equal(t, encUser, strings.Split(encPath, "/")[2])

	plain, err := k.DecryptPath(encPath)
	require.NoError(t, err)
	assert.Equal(t, "/home/user/docs", plain)
}

func TestPlaintextModePassthrough(t *testing.T) {
	t.Parallel()

	var k *Keys
	assert.False(t, k.Enabled())

	ct, err := k.EncryptName("file.txt")
	require.NoError(t, err)
	assert.Equal(t, "file.txt", ct)

	pt, err := k.DecryptName("file.txt")
	require.NoError(t, err)
	assert.Equal(t, "file.txt", pt)
}

func TestContentHasherModes(t *testing.T) {
	t.Parallel()

	k := testKeys(t)

	h1 := k.ContentHasher()
	h1.Write([]byte("hello"))
	h2 := k.ContentHasher()
	h2.Write([]byte("hello"))
	assert.Equal(t, h1.Sum(nil), h2.Sum(nil))

	// Plaintext and keyed digests must differ but have the same length,
	// since either may key the blob cache.
	var plain *Keys
	h3 := plain.ContentHasher()
	h3.Write([]byte("hello"))
	assert.NotEqual(t, h1.Sum(nil), h3.Sum(nil))
	assert.Len(t, h3.Sum(nil), len(h1.Sum(nil)))
}

func TestPadUnpad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		length  int
		wantPad int
	}{
		{name: "empty", length: 0, wantPad: 16},
		{name: "one byte", length: 1, wantPad: 15},
		{name: "block minus one", length: 15, wantPad: 1},
		{name: "exact block", length: 16, wantPad: 16},
		{name: "block plus one", length: 17, wantPad: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := make([]byte, tt.length)
			for i := range data {
				data[i] = byte(i)
			}

			padded := Pad(data)
			assert.Equal(t, tt.length+tt.wantPad, len(padded))
			assert.Zero(t, len(padded)%BlockSize)

			got, err := Unpad(padded)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestUnpadRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Unpad([]byte{1, 2, 3})
	assert.ErrorIs(t, err, repoerr.ErrDecrypt)

	bad := Pad([]byte("block data here"))
	bad[len(bad)-1] = 0
	_, err = Unpad(bad)
	assert.ErrorIs(t, err, repoerr.ErrDecrypt)
}
