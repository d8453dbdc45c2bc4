// Package local_test tests the local filesystem artifact store.
package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecapture/internal/objectstore"
	"github.com/JakeFAU/sitecapture/internal/objectstore/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "artifacts")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGet(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NotFoundBeforeUpload", func(t *testing.T) {
		_, err := store.Get(ctx, "job-1-us.tar.gz")
		assert.ErrorIs(t, err, objectstore.ErrNotFound)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		uri, err := store.Put(ctx, "job-1-us.tar.gz", objectstore.ArchiveContentType, strings.NewReader("archive"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "job-1-us.tar.gz"), uri)

		rc, err := store.Get(ctx, "job-1-us.tar.gz")
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "archive", string(body))
	})

	t.Run("OverwriteIsBenign", func(t *testing.T) {
		_, err := store.Put(ctx, "job-2-us.tar.gz", "", strings.NewReader("one"))
		require.NoError(t, err)
		_, err = store.Put(ctx, "job-2-us.tar.gz", "", strings.NewReader("two"))
		require.NoError(t, err)

		// #nosec G304 -- test reads from the controlled temp directory.
		body, err := os.ReadFile(filepath.Join(tempDir, "job-2-us.tar.gz"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(body))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		_, err := store.Put(ctx, "../escape.tar.gz", "", strings.NewReader("x"))
		assert.Error(t, err)
		_, err = store.Get(ctx, "../escape.tar.gz")
		assert.Error(t, err)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, err := store.Put(ctx, "", "", strings.NewReader("x"))
		assert.Error(t, err)
	})
}
