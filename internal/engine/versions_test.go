package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wrenbyte/llm-stream-ui/internal/engine"
	"github.com/wrenbyte/llm-stream-ui/internal/models"
)

func newVersionedEngine(t *testing.T) (*engine.Engine, *engine.MemoryStore) {
	t.Helper()

	eng, store := newTestEngine(t, &scriptedStreamer{})
	require.NoError(t, store.AddMessage(context.Background(), testConversation, models.Message{
		ID:            "m1",
		Role:          models.RoleAssistant,
		Content:       "current",
		RetryVersions: []string{"v1", "v2"},
		Lifecycle:     models.LifecycleDone,
	}))
	return eng, store
}

func selectedVersion(t *testing.T, store *engine.MemoryStore) int {
	t.Helper()

	msg, err := store.Message(context.Background(), testConversation, "m1")
	require.NoError(t, err)
	return msg.SelectedVersion
}

func TestSelectVersionClamps(t *testing.T) {
	eng, store := newVersionedEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.SelectVersion(ctx, testConversation, "m1", 1))
	assert.Equal(t, 1, selectedVersion(t, store))

	require.NoError(t, eng.SelectVersion(ctx, testConversation, "m1", 5))
	assert.Equal(t, 2, selectedVersion(t, store), "indexes past the history clamp to the last version")

	require.NoError(t, eng.SelectVersion(ctx, testConversation, "m1", -3))
	assert.Equal(t, 0, selectedVersion(t, store))
}

func TestSelectVersionUnknownMessage(t *testing.T) {
	eng, _ := newVersionedEngine(t)
	err := eng.SelectVersion(context.Background(), testConversation, "nope", 1)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestCycleVersionWraps(t *testing.T) {
	eng, store := newVersionedEngine(t)
	ctx := context.Background()

	// Two retry versions plus the current answer: positions 0, 1, 2.
	require.NoError(t, eng.CycleVersion(ctx, testConversation, "m1", 1))
	assert.Equal(t, 1, selectedVersion(t, store))

	require.NoError(t, eng.CycleVersion(ctx, testConversation, "m1", 1))
	assert.Equal(t, 2, selectedVersion(t, store))

	require.NoError(t, eng.CycleVersion(ctx, testConversation, "m1", 1))
	assert.Equal(t, 0, selectedVersion(t, store), "cycling past the end wraps to the current answer")

	require.NoError(t, eng.CycleVersion(ctx, testConversation, "m1", -1))
	assert.Equal(t, 2, selectedVersion(t, store), "cycling backward from the start wraps to the last version")
}

func TestDisplayedContent(t *testing.T) {
	eng, _ := newVersionedEngine(t)
	ctx := context.Background()

	got, err := eng.DisplayedContent(ctx, testConversation, "m1")
	require.NoError(t, err)
	assert.Equal(t, "current", got)

	require.NoError(t, eng.SelectVersion(ctx, testConversation, "m1", 2))
	got, err = eng.DisplayedContent(ctx, testConversation, "m1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}
