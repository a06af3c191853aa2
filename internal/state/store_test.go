package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/convsim/internal/model"
)

func testTask(id, account string, status model.TaskStatus, created time.Time) model.Task {
	return model.Task{
		TaskID:           id,
		AccountID:        account,
		CreatedBy:        "user-1",
		Status:           status,
		MaxConversations: 4,
		Scenarios:        []model.Scenario{{ID: "s1", Prompt: "refund"}},
		Personas:         []model.Persona{{ID: "p1", Description: "impatient"}},
		Identities:       []model.Identity{{CustomerID: "c1"}},
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutTask(ctx, testTask("t1", "acc-1", model.TaskInProgress, base)))
	require.NoError(t, store.PutTask(ctx, testTask("t2", "acc-1", model.TaskCompleted, base.Add(time.Second))))
	require.NoError(t, store.PutTask(ctx, testTask("t3", "acc-2", model.TaskAnalyzing, base.Add(2*time.Second))))

	got, ok, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acc-1", got.AccountID)
	assert.Equal(t, "refund", got.Scenarios[0].Prompt)

	_, ok, err = store.GetTask(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	running, err := store.ListRunningTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "t1", running[0].TaskID)
	assert.Equal(t, "t3", running[1].TaskID)

	running, err = store.ListRunningTasks(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, running, 1)

	got.Status = model.TaskCancelled
	got.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, store.UpdateTask(ctx, got))
	running, err = store.ListRunningTasks(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, running)

	err = store.UpdateTask(ctx, testTask("nope", "acc-1", model.TaskInProgress, base))
	assert.True(t, errors.Is(err, ErrNotFound))

	task := testTask("t3", "acc-2", model.TaskAnalyzing, base)
	c1 := *model.NewConversation("c1", &task, base)
	c2 := *model.NewConversation("c2", &task, base.Add(time.Second))
	require.NoError(t, store.PutConversation(ctx, c1))
	require.NoError(t, store.PutConversation(ctx, c2))

	c1.RecordAgentTurn("hello", model.DialogStageMain, base.Add(time.Minute), time.Second)
	c1.Close(base.Add(2 * time.Minute))
	require.NoError(t, store.UpdateConversation(ctx, c1))

	conv, ok, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.ConversationClose, conv.Status)
	require.Len(t, conv.Transcript, 1)

	convs, err := store.ListConversationsByTask(ctx, "t3")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ConversationID)

	err = store.UpdateConversation(ctx, model.Conversation{ConversationID: "ghost"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()
	runStoreContract(t, NewMemoryStore())
}

func TestSQLiteStoreContract(t *testing.T) {
	t.Parallel()
	store, err := NewSQLStore(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "convsim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	runStoreContract(t, store)
}

func TestSQLiteStoreReopenSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "convsim.db")
	ctx := context.Background()
	store, err := NewSQLStore(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, store.PutTask(ctx, testTask("t1", "acc", model.TaskInProgress, time.Now().UTC())))
	require.NoError(t, store.Close())

	store, err = NewSQLStore(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer store.Close()
	_, ok, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("CONVSIM_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set CONVSIM_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	store, err := NewSQLStore(context.Background(), DriverPostgres, dsn)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id := "t-int-" + time.Now().UTC().Format("20060102150405.000000")
	require.NoError(t, store.PutTask(ctx, testTask(id, "acc-int", model.TaskInProgress, time.Now().UTC())))
	got, ok, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acc-int", got.AccountID)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "UPDATE t SET a=$1 WHERE id=$2", pg.rebind("UPDATE t SET a=? WHERE id=?"))
	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}

func TestListMigrationFiles(t *testing.T) {
	f := fstest.MapFS{
		"zzz.txt":              {Data: []byte("ignore")},
		"0002_indexes.sql":     {Data: []byte("--")},
		"0001_init.sql":        {Data: []byte("--")},
		"subdir/0003_more.sql": {Data: []byte("--")},
	}
	got, err := listMigrationFiles(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql", "0002_indexes.sql"}, got)
}
