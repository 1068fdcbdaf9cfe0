package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBoxSemantics(t *testing.T, store Store) {
	ctx := context.Background()

	box, err := store.Box("pending_ops")
	require.NoError(t, err)

	_, ok, err := box.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, box.Put(ctx, "a", []byte("one")))
	require.NoError(t, box.Put(ctx, "b", []byte("two")))

	v, ok, err := box.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), v)

	// Overwrite.
	require.NoError(t, box.Put(ctx, "a", []byte("three")))
	v, _, _ = box.Get(ctx, "a")
	assert.Equal(t, []byte("three"), v)

	keys, err := box.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	n, err := box.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, box.Delete(ctx, "a"))
	require.NoError(t, box.Delete(ctx, "a"), "deleting absent key is not an error")
	_, ok, _ = box.Get(ctx, "a")
	assert.False(t, ok)

	// Same name returns the same namespace.
	again, err := store.Box("pending_ops")
	require.NoError(t, err)
	v, ok, err = again.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("two"), v)
}

func TestMemoryStore(t *testing.T) {
	testBoxSemantics(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	testBoxSemantics(t, store)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	box, err := store.Box("pending_ops")
	require.NoError(t, err)
	require.NoError(t, box.Put(ctx, "op-1", []byte("payload")))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	box2, err := reopened.Box("pending_ops")
	require.NoError(t, err)
	v, ok, err := box2.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), v)
}

func TestFileStore_AwkwardKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	box, err := store.Box("failed_ops")
	require.NoError(t, err)

	keys := []string{"plain-key", "with/slash", "spaces and unicode ✓", ""}
	for _, key := range keys[:3] {
		require.NoError(t, box.Put(ctx, key, []byte(key)))
	}
	require.NoError(t, box.Put(ctx, keys[3], []byte("empty")))

	listed, err := box.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, listed)

	for _, key := range keys[:3] {
		v, ok, err := box.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "key %q", key)
		assert.Equal(t, []byte(key), v)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	type record struct {
		SchemaVersion int    `msgpack:"schema_version"`
		Name          string `msgpack:"name"`
	}

	data, err := Encode(&record{SchemaVersion: CurrentSchemaVersion, Name: "hrv-sample"})
	require.NoError(t, err)

	var decoded record
	require.NoError(t, Decode(data, &decoded))
	assert.Equal(t, CurrentSchemaVersion, decoded.SchemaVersion)
	assert.Equal(t, "hrv-sample", decoded.Name)
}

func TestNormalizeSchemaVersion(t *testing.T) {
	assert.Equal(t, 1, NormalizeSchemaVersion(0))
	assert.Equal(t, 1, NormalizeSchemaVersion(-5))
	assert.Equal(t, 1, NormalizeSchemaVersion(1))
	assert.Equal(t, 3, NormalizeSchemaVersion(3))
}
