// SPDX-License-Identifier: MIT

package persist

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioVaultPutAndOpen(t *testing.T) {
	v, err := NewAudioVault(t.TempDir())
	require.NoError(t, err)

	blob := []byte{0x01, 0x02, 0x03, 0xff}
	path, size, err := v.Put("abc-123", bytes.NewReader(blob))
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), size)
	assert.Contains(t, path, "abc-123.bin")

	r, err := v.Open("abc-123")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestAudioVaultReplace(t *testing.T) {
	v, err := NewAudioVault(t.TempDir())
	require.NoError(t, err)

	_, _, err = v.Put("abc", strings.NewReader("first"))
	require.NoError(t, err)
	_, size, err := v.Put("abc", strings.NewReader("second take"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("second take")), size)

	r, err := v.Open("abc")
	require.NoError(t, err)
	defer r.Close()
	got, _ := io.ReadAll(r)
	assert.Equal(t, "second take", string(got))
}

func TestAudioVaultRejectsUnsafeID(t *testing.T) {
	v, err := NewAudioVault(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"../escape", "a/b", "", "x y", strings.Repeat("a", 65)} {
		_, _, err := v.Put(id, strings.NewReader("x"))
		assert.Error(t, err, "id %q", id)
	}
}

func TestAudioVaultOpenMissing(t *testing.T) {
	v, err := NewAudioVault(t.TempDir())
	require.NoError(t, err)

	_, err = v.Open("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
