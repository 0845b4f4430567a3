package docstore

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/common"
	"github.com/Veraticus/psan/internal/model"
)

func TestStoreWriteAndRead(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	uid := NewUID()

	w, err := store.Create(uid, model.StatusNew)
	require.NoError(t, err)
	_, err = io.WriteString(w, "John Smith arrived.")
	require.NoError(t, err)

	_, err = store.Open(uid, model.StatusNew)
	assert.ErrorIs(t, err, common.ErrNotFound, "invisible until closed")

	require.NoError(t, w.Close())

	r, err := store.Open(uid, model.StatusNew)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "John Smith arrived.", string(data))

	path, err := store.Path(uid, model.StatusRecognized)
	require.NoError(t, err)
	assert.Equal(t, "recognized.xml", filepath.Base(path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestStoreRejectsBadUID(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	for _, uid := range []string{"../etc", "", "not-a-uuid"} {
		_, err := store.Open(uid, model.StatusNew)
		assert.ErrorIs(t, err, ErrInvalidUID, uid)
		_, err = store.Create(uid, model.StatusNew)
		assert.ErrorIs(t, err, ErrInvalidUID, uid)
	}
}

func TestStoreRemove(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	uid := NewUID()

	w, err := store.Create(uid, model.StatusRecognized)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, store.Remove(uid))
	_, err = store.Open(uid, model.StatusRecognized)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
