package local

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*LocalBackend, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	b, err := New(fs, Config{RootPath: "/data", CreateDirs: true})
	require.NoError(t, err)
	return b, fs
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), Config{})
	assert.Error(t, err)

	_, err = New(afero.NewMemMapFs(), Config{RootPath: "/missing"})
	assert.Error(t, err)
}

func TestNewRejectsFileRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data", []byte("x"), 0644))
	_, err := New(fs, Config{RootPath: "/data"})
	assert.Error(t, err)
}

func TestPutGetObject(t *testing.T) {
	ctx := context.Background()
	b, fs := newTestBackend(t)

	content := "hello shared world"
	require.NoError(t, b.PutObject(ctx, "ab/cd/object", strings.NewReader(content), int64(len(content))))

	raw, err := afero.ReadFile(fs, "/data/ab/cd/object")
	require.NoError(t, err)
	assert.Equal(t, content, string(raw))

	rc, size, err := b.GetObject(ctx, "ab/cd/object", 0, 0)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
	assert.Equal(t, int64(len(content)), size)
}

func TestGetObjectRange(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	require.NoError(t, b.PutObject(ctx, "k", strings.NewReader("0123456789"), 10))

	rc, size, err := b.GetObject(ctx, "k", 2, 3)
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "234", string(got))
	assert.Equal(t, int64(3), size)

	rc2, size2, err := b.GetObject(ctx, "k", 7, 0)
	require.NoError(t, err)
	defer rc2.Close()
	got2, _ := io.ReadAll(rc2)
	assert.Equal(t, "789", string(got2))
	assert.Equal(t, int64(3), size2)
}

func TestCopyAndDelete(t *testing.T) {
	ctx := context.Background()
	b, fs := newTestBackend(t)
	require.NoError(t, b.PutObject(ctx, "src", strings.NewReader("data"), 4))

	require.NoError(t, b.CopyObject(ctx, "src", "nested/dst"))
	rc, _, err := b.GetObject(ctx, "nested/dst", 0, 0)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data", string(got))

	require.NoError(t, b.DeleteObject(ctx, "src"))
	ok, err := afero.Exists(fs, "/data/src")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, b.CopyObject(ctx, "src", "other"))

	// deleting twice is fine
	assert.NoError(t, b.DeleteObject(ctx, "src"))
}

func TestKeysStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	b, fs := newTestBackend(t)
	require.NoError(t, b.PutObject(ctx, "../escape", strings.NewReader("x"), 1))

	ok, _ := afero.Exists(fs, "/escape")
	assert.False(t, ok)
	ok, _ = afero.Exists(fs, "/data/escape")
	assert.True(t, ok)
}
