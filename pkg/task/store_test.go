package task

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockclaw/lockclaw/pkg/errs"
	"github.com/lockclaw/lockclaw/pkg/ids"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func fullTask() *Task {
	started := time.Date(2026, 2, 14, 9, 30, 1, 250000000, time.UTC)
	completed := time.Date(2026, 2, 14, 9, 30, 3, 750000000, time.UTC)
	duration := int64(2500)
	return &Task{
		ID:            ids.NewTask(),
		CorrelationID: "corr-1",
		ParentID:      "task_parent",
		Type:          TypeEcho,
		Name:          "review pull request",
		Description:   "summarise the diff",
		InputHash:     HashCanonical(map[string]any{"pr": 42}),
		Status:        StatusCompleted,
		TimeoutMs:     30_000,
		Security: SecurityContext{
			UserID:      "alice",
			Role:        "operator",
			Permissions: []string{"tasks:create"},
			IP:          "10.0.0.7",
			UserAgent:   "lockclaw-cli/1.0",
		},
		Result: &Result{
			Success:    false,
			OutputHash: "",
			Error: &ErrorInfo{
				Code:        string(errs.CodeExecutionError),
				Message:     "boom",
				Recoverable: true,
			},
		},
		Resources: &ResourceUsage{
			TokensIn:      120,
			TokensOut:     80,
			TokensTotal:   200,
			PeakMemoryMB:  12.5,
			CPUTimeMs:     1800,
			ProviderCalls: map[string]int{"claude-sonnet-4-5": 2},
		},
		CreatedAt:   time.Date(2026, 2, 14, 9, 30, 0, 123456789, time.UTC),
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := fullTask()
	require.NoError(t, store.Insert(ctx, want))

	got, err := store.Get(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreRoundTripMinimal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &Task{
		ID:        ids.NewTask(),
		Type:      TypeEcho,
		Name:      "bare",
		InputHash: HashCanonical(nil),
		Status:    StatusPending,
		TimeoutMs: 1000,
		Security:  SecurityContext{UserID: "bob", Role: "viewer"},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Insert(ctx, want))

	got, err := store.Get(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.DurationMs)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Resources)
}

func TestStoreUpdateLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{
		ID:        ids.NewTask(),
		Type:      TypeEcho,
		Name:      "lifecycle",
		InputHash: HashCanonical(nil),
		Status:    StatusPending,
		TimeoutMs: 1000,
		Security:  SecurityContext{UserID: "alice", Role: "admin"},
		CreatedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Insert(ctx, task))

	started := time.Date(2026, 3, 2, 8, 0, 1, 0, time.UTC)
	task.Status = StatusRunning
	task.StartedAt = &started
	require.NoError(t, store.Update(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))

	completed := time.Date(2026, 3, 2, 8, 0, 2, 500000000, time.UTC)
	duration := int64(1500)
	task.Status = StatusCompleted
	task.CompletedAt = &completed
	task.DurationMs = &duration
	task.Result = &Result{Success: true, OutputHash: HashCanonical("ok")}
	require.NoError(t, store.Update(ctx, task))

	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	assert.Equal(t, HashCanonical("ok"), got.Result.OutputHash)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(1500), *got.DurationMs)
}

func TestStoreUpdateMissing(t *testing.T) {
	store := newTestStore(t)

	task := fullTask()
	task.ID = "task_01JUNKJUNKJUNKJUNKJUNKJUNK"
	err := store.Update(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestStoreUpdateMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := fullTask()
	task.Status = StatusPending
	task.Result = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	task.DurationMs = nil
	require.NoError(t, store.Insert(ctx, task))

	require.NoError(t, store.UpdateMetadata(ctx, task.ID, "renamed", "batch", "new description"))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "batch", got.Type)
	assert.Equal(t, "new description", got.Description)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, task.InputHash, got.InputHash)

	err = store.UpdateMetadata(ctx, "task_missing", "x", "y", "z")
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "task_nope")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := fullTask()
	require.NoError(t, store.Insert(ctx, task))
	require.NoError(t, store.Delete(ctx, task.ID))

	_, err := store.Get(ctx, task.ID)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))

	err = store.Delete(ctx, task.ID)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func seedTasks(t *testing.T, store *Store) []*Task {
	t.Helper()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	specs := []struct {
		status   Status
		taskType string
		user     string
	}{
		{StatusCompleted, TypeEcho, "alice"},
		{StatusCompleted, TypeShell, "alice"},
		{StatusPending, TypeEcho, "bob"},
		{StatusFailed, TypeEcho, "alice"},
		{StatusRunning, TypeShell, "bob"},
	}

	tasks := make([]*Task, 0, len(specs))
	for i, s := range specs {
		task := &Task{
			ID:        ids.NewTask(),
			Type:      s.taskType,
			Name:      fmt.Sprintf("task %d", i),
			InputHash: HashCanonical(map[string]any{"i": i}),
			Status:    s.status,
			TimeoutMs: 1000,
			Security:  SecurityContext{UserID: s.user, Role: "operator"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Insert(context.Background(), task))
		tasks = append(tasks, task)
	}
	return tasks
}

func TestStoreListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seeded := seedTasks(t, store)

	all, total, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, all, 5)
	// Newest first.
	assert.Equal(t, seeded[4].ID, all[0].ID)
	assert.Equal(t, seeded[0].ID, all[4].ID)

	completed, total, err := store.List(ctx, Filter{Status: StatusCompleted})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, completed, 2)

	shell, _, err := store.List(ctx, Filter{Type: TypeShell})
	require.NoError(t, err)
	assert.Len(t, shell, 2)

	bobs, _, err := store.List(ctx, Filter{UserID: "bob"})
	require.NoError(t, err)
	assert.Len(t, bobs, 2)
	for _, task := range bobs {
		assert.Equal(t, "bob", task.Security.UserID)
	}

	windowed, total, err := store.List(ctx, Filter{
		From: seeded[1].CreatedAt,
		To:   seeded[3].CreatedAt,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, windowed, 3)
}

func TestStoreListPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seeded := seedTasks(t, store)

	page1, total, err := store.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, seeded[4].ID, page1[0].ID)

	page2, total, err := store.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page2, 2)
	assert.Equal(t, seeded[2].ID, page2[0].ID)

	page3, _, err := store.List(ctx, Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, seeded[0].ID, page3[0].ID)
}

func TestStoreCountByStatus(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[StatusCompleted])
	assert.EqualValues(t, 1, counts[StatusPending])
	assert.EqualValues(t, 1, counts[StatusFailed])
	assert.EqualValues(t, 1, counts[StatusRunning])
}

func TestHashCanonicalStable(t *testing.T) {
	a := HashCanonical(map[string]any{"b": 2, "a": 1})
	b := HashCanonical(map[string]any{"a": 1, "b": 2})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashCanonical(map[string]any{"a": 1, "b": 3}))
}
