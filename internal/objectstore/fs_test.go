package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Put(ctx, "user-1/s1.archive", []byte("v1"), map[string]string{"Digest": "aa"}))
	require.NoError(t, fs.Put(ctx, "user-1/s1.archive", []byte("v2"), map[string]string{"Digest": "bb"}))

	obj, err := fs.Get(ctx, "user-1/s1.archive")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(obj.Data))
	assert.Equal(t, "bb", obj.Metadata["digest"])
}

func TestFSMissingAndDelete(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(ctx, "user-1/none.archive")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Put(ctx, "user-1/s1.archive", []byte("x"), nil))
	require.NoError(t, fs.Delete(ctx, "user-1/s1.archive"))
	require.NoError(t, fs.Delete(ctx, "user-1/s1.archive"), "delete is idempotent")

	_, err = fs.Get(ctx, "user-1/s1.archive")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSRejectsTraversal(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, fs.Put(context.Background(), "../escape", []byte("x"), nil))
}
