package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesThenPersists(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	first, err := store.LoadOrCreate("")
	require.NoError(t, err)
	assert.NotEmpty(t, first.NodeID)
	assert.Equal(t, uint64(0), first.Generation)

	// A second Store pointed at the same directory (bypassing the lock,
	// since the test only checks LoadOrCreate's decode path) should load
	// the persisted identity rather than generating a new one.
	store2 := &Store{dir: dir}
	second, err := store2.LoadOrCreate("")
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
	assert.Equal(t, first.Agreement.PublicKey(), second.Agreement.PublicKey())
}

func TestOpenRejectsSecondLock(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(dir)
	assert.Error(t, err)
}

func TestRotateBumpsGenerationAndNotifies(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	original, err := store.LoadOrCreate("node-a")
	require.NoError(t, err)

	notified := false
	store.OnRotate(func(id *Identity) {
		notified = true
		assert.Equal(t, uint64(1), id.Generation)
	})

	rotated, err := store.Rotate()
	require.NoError(t, err)
	assert.True(t, notified)
	assert.Equal(t, original.NodeID, rotated.NodeID)
	assert.Equal(t, uint64(1), rotated.Generation)
	assert.NotEqual(t, original.Agreement.PublicKey(), rotated.Agreement.PublicKey())
}
