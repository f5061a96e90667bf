package blob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "uploads/j1/photo.png", InputKey("j1", "photo.png"))
	assert.Equal(t, "converted/j1/photo_converted.jpg", OutputKey("j1", "photo.png", "jpg"))
	assert.Equal(t, "converted/j1/archive.tar_converted.zip", OutputKey("j1", "archive.tar.gz", "zip"))
	assert.Equal(t, "converted/j1/file_converted.txt", OutputKey("j1", ".pdf", "txt"))
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "uploads/a/b.txt", want: "uploads/a/b.txt"},
		{key: "/uploads/a.txt", want: "uploads/a.txt"},
		{key: "../etc/passwd", wantErr: true},
		{key: "uploads/../../x", wantErr: true},
		{key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cleanKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocal_Lifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocal(root, testLogger())
	require.NoError(t, err)

	n, err := store.Put(ctx, "uploads/j1/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	rc, err := store.Open(ctx, "uploads/j1/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Copy(ctx, "uploads/j1/a.txt", "uploads/j2/a.txt"))

	dst := filepath.Join(t.TempDir(), "work", "in.txt")
	require.NoError(t, store.Fetch(ctx, "uploads/j2/a.txt", dst))
	data, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	src := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("converted"), 0o644))
	require.NoError(t, store.Upload(ctx, src, "converted/j1/a_converted.txt"))
	assert.FileExists(t, filepath.Join(root, "converted", "j1", "a_converted.txt"))

	require.NoError(t, store.Remove(ctx, "uploads/j1/a.txt"))
	_, err = store.Open(ctx, "uploads/j1/a.txt")
	require.ErrorIs(t, err, ErrObjectNotFound)
	assert.NoDirExists(t, filepath.Join(root, "uploads", "j1"))

	// removing twice is fine
	require.NoError(t, store.Remove(ctx, "uploads/j1/a.txt"))
	assert.DirExists(t, root)
}

func TestLocal_MissingObject(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = store.Open(ctx, "nope")
	require.ErrorIs(t, err, ErrObjectNotFound)

	err = store.Fetch(ctx, "nope", filepath.Join(t.TempDir(), "x"))
	require.ErrorIs(t, err, ErrObjectNotFound)

	err = store.Copy(ctx, "nope", "other")
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocal_RejectsTraversal(t *testing.T) {
	store, err := NewLocal(t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape.txt", strings.NewReader("x"))
	require.Error(t, err)
}

func TestLocal_CanceledPut(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, "uploads/j1/a.txt", strings.NewReader("hello"))
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(root, "uploads", "j1", "a.txt"))
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "ftp"}, testLogger())
	require.Error(t, err)
}
