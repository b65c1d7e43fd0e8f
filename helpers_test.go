package taskmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const testWait = 10 * time.Second

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), 5*time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite err=%v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestManager(t *testing.T, st Store, name string) *Manager {
	t.Helper()
	m, err := New(Config{
		Name:      name,
		Store:     st,
		LoopDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func newTask(id, manager string, due time.Time) TaskRecord {
	return TaskRecord{
		ID:        id,
		Name:      "noop",
		Manager:   manager,
		State:     TaskNew,
		CreatedAt: due,
		DueAt:     due,
		Params:    map[string]any{},
	}
}

type noParams struct{}

func noop(noParams) (any, error) { return nil, nil }
