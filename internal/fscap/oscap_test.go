package fscap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSCapability_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	path := filepath.Join(t.TempDir(), "sub", "note.md")

	require.NoError(t, c.Write(ctx, path, []byte("hello")))

	data, err := c.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOSCapability_WriteReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	path := filepath.Join(t.TempDir(), "note.md")

	require.NoError(t, c.Write(ctx, path, []byte("v1")))
	require.NoError(t, c.Write(ctx, path, []byte("v2")))

	data, err := c.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestOSCapability_Append(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	path := filepath.Join(t.TempDir(), "log")

	require.NoError(t, c.Append(ctx, path, []byte("a\n")))
	require.NoError(t, c.Append(ctx, path, []byte("b\n")))

	data, err := c.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestOSCapability_RenameMovesFilesAndDirectories(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	dir := t.TempDir()

	filePath := filepath.Join(dir, "a")
	require.NoError(t, c.Write(ctx, filePath, []byte("x")))
	require.NoError(t, c.Rename(ctx, filePath, filepath.Join(dir, "sub", "b")))

	data, err := c.Read(ctx, filepath.Join(dir, "sub", "b"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	// Directories rename wholesale, the move machine's staging flip.
	srcDir := filepath.Join(dir, "staging")
	require.NoError(t, c.Write(ctx, filepath.Join(srcDir, "inner"), []byte("y")))
	require.NoError(t, c.Rename(ctx, srcDir, filepath.Join(dir, "final")))

	data, err = c.Read(ctx, filepath.Join(dir, "final", "inner"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(data))
}

func TestOSCapability_Exists(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")

	ok, err := c.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Write(ctx, path, []byte("x")))

	ok, err = c.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOSCapability_MkdirAndList(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	dir := filepath.Join(t.TempDir(), "notes")

	require.NoError(t, c.Mkdir(ctx, dir))
	require.NoError(t, c.Write(ctx, filepath.Join(dir, "a.md"), []byte("a")))
	require.NoError(t, c.Write(ctx, filepath.Join(dir, "b.md"), []byte("b")))

	entries, err := c.List(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestOSCapability_Stat(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()
	path := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, c.Write(ctx, path, []byte("hello")))

	info, err := c.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
}

func TestOSCapability_JoinPathNormalizesNFC(t *testing.T) {
	c := NewOSCapability()

	// "e" followed by a combining acute accent (U+0065 U+0301, NFD form)
	// must normalize to the single precomposed code point U+00E9 (NFC
	// form), so two instances that typed the same filename differently
	// still agree on one on-disk path.
	nfd := "café.md"
	nfc := "café.md"

	joined := c.JoinPath("/sd", nfd)
	assert.Equal(t, filepath.Join("/sd", nfc), joined)
	assert.NotEqual(t, filepath.Join("/sd", nfd), joined)
}

func TestOSCapability_EmptyPathErrors(t *testing.T) {
	ctx := context.Background()
	c := NewOSCapability()

	_, err := c.Read(ctx, "")
	assert.ErrorIs(t, err, errEmptyPath)

	assert.ErrorIs(t, c.Write(ctx, "", nil), errEmptyPath)
	assert.ErrorIs(t, c.Append(ctx, "", nil), errEmptyPath)
	assert.ErrorIs(t, c.Mkdir(ctx, ""), errEmptyPath)
}
