package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/service"
)

func TestCheckpointManager_CreateRestore(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	saveRule(t, store, model.RuleWordType, -1, "Anna")

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	info, err := cm.Create(ctx, "before-import", "manual")
	require.NoError(t, err)
	assert.Equal(t, "before-import", info.ID)
	assert.Equal(t, 1, info.RowCounts["rule"])
	assert.Equal(t, ExpectedSchemaVersion, info.SchemaVersion)
	assert.Positive(t, info.FileSize)

	_, err = cm.Create(ctx, "before-import", "again")
	assert.ErrorIs(t, err, ErrCheckpointExists)

	saveRule(t, store, model.RuleWordType, 1, "Petr")

	require.NoError(t, cm.Restore(ctx, "before-import"))

	reopened, err := NewSQLiteStorage(store.dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	rules, err := reopened.ListRules(ctx, service.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"Anna"}, rules[0].Condition)
}

func TestCheckpointManager_ListDeleteAndPrune(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	_, err = cm.Create(ctx, "manual", "")
	require.NoError(t, err)
	for i := 0; i < maxAutoCheckpoints+2; i++ {
		_, err := cm.AutoCheckpoint(ctx, "rules-import")
		require.NoError(t, err)
	}

	checkpoints, err := cm.List(ctx)
	require.NoError(t, err)
	auto := 0
	for _, cp := range checkpoints {
		if cp.IsAuto {
			auto++
		}
	}
	assert.Equal(t, maxAutoCheckpoints, auto)
	assert.Len(t, checkpoints, maxAutoCheckpoints+1)

	require.NoError(t, cm.Delete(ctx, "manual"))
	assert.ErrorIs(t, cm.Delete(ctx, "manual"), ErrCheckpointNotFound)
	assert.ErrorIs(t, cm.Restore(ctx, "manual"), ErrCheckpointNotFound)
}

func TestCheckpointManager_RejectsBadTags(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	cm, err := store.NewCheckpointManager()
	require.NoError(t, err)

	for _, tag := range []string{"../escape", "a/b", "it's"} {
		_, err := cm.Create(ctx, tag, "")
		assert.ErrorIs(t, err, ErrInvalidCheckpoint, tag)
	}

	memory, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = memory.Close() }()
	_, err = memory.NewCheckpointManager()
	assert.Error(t, err)
}
