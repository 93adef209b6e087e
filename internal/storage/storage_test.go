package storage

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/reframe/internal/models"
)

func frame(index int) models.EditedFrame {
	return models.EditedFrame{
		Index:    index,
		Original: models.LocalRef(fmt.Sprintf("/frames/frame_%d.png", index)),
		Edited:   models.RemoteRef(fmt.Sprintf("https://cdn.example.com/out_%d.png", index)),
	}
}

func TestAddFrameBatchesWrites(t *testing.T) {
	dir := t.TempDir()
	store := NewManifest(dir, "session-1")
	ctx := context.Background()

	for i := 0; i < batchSize-1; i++ {
		require.NoError(t, store.AddFrame(ctx, frame(i)))
	}
	_, err := os.Stat(ManifestPath(dir, "session-1"))
	assert.True(t, os.IsNotExist(err), "nothing written before the batch fills")

	require.NoError(t, store.AddFrame(ctx, frame(batchSize-1)))
	frames, err := Load(dir, "session-1")
	require.NoError(t, err)
	assert.Len(t, frames, batchSize)
}

func TestFlushWritesPartialBatch(t *testing.T) {
	dir := t.TempDir()
	store := NewManifest(dir, "session-2")
	ctx := context.Background()

	require.NoError(t, store.AddFrame(ctx, frame(0)))
	require.NoError(t, store.AddFrame(ctx, frame(1)))
	require.NoError(t, store.Flush())

	frames, err := Load(dir, "session-2")
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 0, frames[0].Index)
	assert.Equal(t, 1, frames[1].Index)
}

func TestFlushMergesByIndex(t *testing.T) {
	dir := t.TempDir()
	store := NewManifest(dir, "session-3")
	ctx := context.Background()

	require.NoError(t, store.AddFrame(ctx, frame(0)))
	require.NoError(t, store.AddFrame(ctx, frame(1)))
	require.NoError(t, store.Flush())

	// a retried frame 1 replaces the earlier record
	retried := frame(1)
	retried.Edited = models.RemoteRef("https://cdn.example.com/retry_1.png")
	require.NoError(t, store.AddFrame(ctx, retried))
	require.NoError(t, store.Flush())

	frames, err := Load(dir, "session-3")
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "https://cdn.example.com/retry_1.png", frames[1].Edited.URL)
}

func TestLoadOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	store := NewManifest(dir, "session-4")
	ctx := context.Background()

	for _, i := range []int{4, 0, 2, 1, 3} {
		require.NoError(t, store.AddFrame(ctx, frame(i)))
	}
	require.NoError(t, store.Flush())

	frames, err := Load(dir, "session-4")
	require.NoError(t, err)
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	store := NewManifest(dir, "session-5")
	require.NoError(t, store.Flush())

	_, err := os.Stat(ManifestPath(dir, "session-5"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir(), "nope")
	assert.Error(t, err)
}
