package persistence

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/packedrow/kernel/internal/catalog"
	"github.com/packedrow/kernel/internal/txn"
	"github.com/packedrow/kernel/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFlushAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	registry := types.NewRegistry()
	cat := catalog.New(dir, registry, testLogger())

	_, err := cat.CreateTable("users", []catalog.FieldInput{
		{Name: "name", Type: "string:16"},
		{Name: "age", Type: "u32"},
	})
	require.NoError(t, err)

	engine := txn.New(cat)
	ids := make([]uint64, 0, 3)
	for i, age := range []uint32{20, 30, 40} {
		id, err := engine.Create("users", map[string]any{"name": "user", "age": age})
		require.NoErrorf(t, err, "Create %d", i)
		ids = append(ids, id)
	}
	require.NoError(t, engine.Delete("users", ids[1]))

	worker := NewWorker(dir, cat, zaptest.NewLogger(t), 4)
	go worker.Run()
	defer worker.Stop()

	done := make(chan error, 1)
	require.True(t, worker.Enqueue(FlushCommand{Done: done}), "Enqueue rejected")
	require.NoError(t, <-done)

	reloaded, err := LoadCatalog(dir, types.NewRegistry(), testLogger())
	require.NoError(t, err)

	table, err := reloaded.Table("users")
	require.NoError(t, err)

	snap := table.Buffer.Snapshot()
	require.Equal(t, 2, snap.State.LiveCount(), "expected 2 live records after reload (one tombstoned)")

	_, err = snap.State.Get(ids[1])
	require.Error(t, err, "expected the deleted record to stay tombstoned across reload")

	next := table.Buffer.NextID()
	require.Greaterf(t, next, ids[2], "id counter must resume past the highest persisted id")
}

func TestLoadCatalogWithNoSchemaFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	cat, err := LoadCatalog(dir, types.NewRegistry(), testLogger())
	require.NoError(t, err)
	require.Empty(t, cat.TableNames())
}
