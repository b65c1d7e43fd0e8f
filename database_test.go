package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSQLStore_NextDueTask_EarliestDueFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now().Truncate(time.Microsecond)
	for i, off := range []time.Duration{-1 * time.Second, -3 * time.Second, -2 * time.Second, time.Hour} {
		if err := st.InsertTask(ctx, newTask(fmt.Sprintf("t%d", i), "m", now.Add(off))); err != nil {
			t.Fatalf("InsertTask err=%v", err)
		}
	}
	if err := st.InsertTask(ctx, newTask("other", "m2", now.Add(-time.Hour))); err != nil {
		t.Fatalf("InsertTask err=%v", err)
	}

	var order []string
	for {
		task, ok, err := st.NextDueTask(ctx, "m", now)
		if err != nil {
			t.Fatalf("NextDueTask err=%v", err)
		}
		if !ok {
			break
		}
		claimed, err := st.ClaimTask(ctx, task.ID, "w", now)
		if err != nil || !claimed {
			t.Fatalf("ClaimTask(%s) claimed=%v err=%v", task.ID, claimed, err)
		}
		order = append(order, task.ID)
	}
	want := []string{"t1", "t2", "t0"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("claim order=%v, want %v", order, want)
	}
}

func TestSQLStore_ClaimTask_ExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now()
	if err := st.InsertTask(ctx, newTask("t", "m", now)); err != nil {
		t.Fatalf("InsertTask err=%v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.ClaimTask(ctx, "t", fmt.Sprintf("w%d", i), now)
			if err != nil {
				t.Errorf("ClaimTask err=%v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("claims won=%d, want 1", got)
	}

	task, err := st.GetTask(ctx, "t")
	if err != nil {
		t.Fatalf("GetTask err=%v", err)
	}
	if task.State != TaskRunning || task.Worker == nil || task.StartedAt == nil {
		t.Fatalf("task after claim = %+v", task)
	}
}

func TestSQLStore_TransitionTask_Conditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	if err := st.InsertTask(ctx, newTask("t", "m", time.Now())); err != nil {
		t.Fatalf("InsertTask err=%v", err)
	}

	ended := time.Now().Truncate(time.Microsecond)
	ok, err := st.TransitionTask(ctx, "t", []TaskState{TaskRunning}, TaskUpdate{State: TaskFinished, EndedAt: &ended})
	if err != nil || ok {
		t.Fatalf("transition from wrong state ok=%v err=%v, want false,nil", ok, err)
	}
	ok, err = st.TransitionTask(ctx, "t", []TaskState{TaskNew, TaskRunning}, TaskUpdate{
		State:   TaskCanceled,
		EndedAt: &ended,
		Result:  map[string]any{"error": msgTaskCanceled},
	})
	if err != nil || !ok {
		t.Fatalf("transition ok=%v err=%v, want true,nil", ok, err)
	}
	task, err := st.GetTask(ctx, "t")
	if err != nil {
		t.Fatalf("GetTask err=%v", err)
	}
	if task.State != TaskCanceled || task.Result["error"] != msgTaskCanceled {
		t.Fatalf("task=%+v", task)
	}
	if task.EndedAt == nil || !task.EndedAt.Equal(ended) {
		t.Fatalf("EndedAt=%v, want %v", task.EndedAt, ended)
	}
}

func TestSQLStore_GetTask_NotFound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	if _, err := st.GetTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask err=%v, want ErrNotFound", err)
	}
	if _, err := st.GetWorker(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetWorker err=%v, want ErrNotFound", err)
	}
}

func TestSQLStore_Worker_ResumeAndTerminate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now()

	w, err := st.EnsureWorker(ctx, "w", "m", now)
	if err != nil {
		t.Fatalf("EnsureWorker err=%v", err)
	}
	if w.State != WorkerBusy || w.Manager != "m" {
		t.Fatalf("worker=%+v", w)
	}

	if ok, err := st.RequestTerminate(ctx, "w"); err != nil || !ok {
		t.Fatalf("RequestTerminate ok=%v err=%v", ok, err)
	}
	// Heartbeats no longer overwrite a termination request.
	ok, err := st.UpdateWorker(ctx, "w", WorkerUpdate{State: WorkerIdle, LastSeen: now})
	if err != nil || ok {
		t.Fatalf("UpdateWorker after TERMINATE ok=%v err=%v, want false", ok, err)
	}
	if ok, err := st.UpdateWorker(ctx, "w", WorkerUpdate{State: WorkerQuit, LastSeen: now}); err != nil || !ok {
		t.Fatalf("UpdateWorker QUIT ok=%v err=%v", ok, err)
	}
	if ok, err := st.RequestTerminate(ctx, "w"); err != nil || ok {
		t.Fatalf("RequestTerminate after QUIT ok=%v err=%v, want false", ok, err)
	}

	// A second process attaching with the same name resumes the record.
	w, err = st.EnsureWorker(ctx, "w", "m2", now)
	if err != nil {
		t.Fatalf("EnsureWorker err=%v", err)
	}
	if w.State != WorkerBusy || w.Manager != "m2" {
		t.Fatalf("resumed worker=%+v", w)
	}
	all, err := st.ListWorkers(ctx, "")
	if err != nil {
		t.Fatalf("ListWorkers err=%v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListWorkers len=%d, want 1", len(all))
	}
}

func TestSQLStore_ListTasks_Filter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := st.InsertTask(ctx, newTask(fmt.Sprintf("t%d", i), "m", now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("InsertTask err=%v", err)
		}
	}
	if _, err := st.ClaimTask(ctx, "t0", "w", now); err != nil {
		t.Fatalf("ClaimTask err=%v", err)
	}

	tests := []struct {
		name string
		f    TaskFilter
		want int
	}{
		{name: "all", f: TaskFilter{}, want: 5},
		{name: "new", f: TaskFilter{Manager: "m", State: TaskNew}, want: 4},
		{name: "worker", f: TaskFilter{Worker: "w"}, want: 1},
		{name: "limit", f: TaskFilter{Limit: 2}, want: 2},
		{name: "other manager", f: TaskFilter{Manager: "x"}, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListTasks(ctx, tt.f)
			if err != nil {
				t.Fatalf("ListTasks err=%v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("len=%d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestNewSQLStore_Validation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	if _, err := NewSQLStore(nil, DialectSQLite, ""); err == nil {
		t.Fatal("expected error for nil db")
	}
	if _, err := NewSQLStore(st.DB(), "postgres", ""); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	if _, err := NewSQLStore(st.DB(), DialectSQLite, "card"); err == nil {
		t.Fatal("expected error for database name with sqlite")
	}
	my, err := NewSQLStore(st.DB(), DialectMySQL, "card")
	if err != nil {
		t.Fatalf("NewSQLStore mysql err=%v", err)
	}
	if got := my.table("tasks"); got != "card.tasks" {
		t.Fatalf("table=%q, want card.tasks", got)
	}
}
