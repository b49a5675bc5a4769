package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaximeRivest/mrmd-sync/internal/errs"
)

func TestFileBackend_TextRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 0)
	require.NoError(t, err)
	defer b.Close()

	_, found, err := b.ReadText(ctx, "notes.md")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.WriteText(ctx, "notes.md", "hello world"))

	text, found, err := b.ReadText(ctx, "notes.md")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello world", text)
}

func TestFileBackend_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 0)
	require.NoError(t, err)
	defer b.Close()

	_, found, err := b.ReadSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.WriteSnapshot(ctx, "doc-1", []byte{1, 2, 3}))

	data, found, err := b.ReadSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestFileBackend_WriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteText(ctx, "doc.md", "v1"))
	require.NoError(t, b.WriteText(ctx, "doc.md", "v2"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"doc.md"}, names)
}

func TestFileBackend_OversizeFileIsALoadError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 4)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.md"), []byte("more than four bytes"), 0o644))

	_, _, err = b.ReadText(ctx, "big.md")
	require.Error(t, err)
	var ioErr *errs.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, errs.IOReasonOversize, ioErr.Reason)
}

func TestFileBackend_SnapshotIsStoredBase64Encoded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, 0)
	require.NoError(t, err)
	defer b.Close()

	raw := []byte{0x00, 0xff, 0x10}
	require.NoError(t, b.WriteSnapshot(ctx, "doc-1", raw))

	onDisk, err := os.ReadFile(b.snapshotPath("doc-1"))
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(string(onDisk))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestCollectStaleTempFiles_RemovesDeadPidTempFile(t *testing.T) {
	dir := t.TempDir()
	// PID 999999 is vanishingly unlikely to be live; the timestamp is recent
	// so only the dead-PID branch explains removal.
	deadName := fmt.Sprintf("doc.md.tmp.999999.%d", time.Now().UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(dir, deadName), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep-me.md"), []byte("x"), 0o644))

	require.NoError(t, CollectStaleTempFiles(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "keep-me.md", entries[0].Name())
}

func TestCollectStaleTempFiles_RemovesOldTempFileEvenIfPidIsLive(t *testing.T) {
	dir := t.TempDir()
	oldMs := time.Now().Add(-2 * time.Hour).UnixMilli()
	oldName := fmt.Sprintf("doc.md.tmp.%d.%d", os.Getpid(), oldMs)
	require.NoError(t, os.WriteFile(filepath.Join(dir, oldName), []byte("x"), 0o644))

	require.NoError(t, CollectStaleTempFiles(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

func TestCollectStaleTempFiles_KeepsRecentTempFileFromLivePid(t *testing.T) {
	dir := t.TempDir()
	recentName := fmt.Sprintf("doc.md.tmp.%d.%d", os.Getpid(), time.Now().UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(dir, recentName), []byte("x"), 0o644))

	require.NoError(t, CollectStaleTempFiles(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, recentName, entries[0].Name())
}

func TestCollectStaleTempFiles_MissingDirIsNotAnError(t *testing.T) {
	assert.NoError(t, CollectStaleTempFiles(filepath.Join(t.TempDir(), "does-not-exist")))
}
