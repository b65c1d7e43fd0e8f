package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ScheduledTask is a handle to a stored task. It holds no state of its own:
// every accessor fetches the latest record.
type ScheduledTask struct {
	id  string
	mgr *Manager
}

func (t *ScheduledTask) ID() string { return t.id }

func (t *ScheduledTask) String() string { return "ScheduledTask(" + t.id + ")" }

// Fetch returns a snapshot of the task's current record.
func (t *ScheduledTask) Fetch(ctx context.Context) (TaskRecord, error) {
	return t.mgr.cfg.Store.GetTask(ctx, t.id)
}

func (t *ScheduledTask) State(ctx context.Context) (TaskState, error) {
	rec, err := t.Fetch(ctx)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// Result returns the stored result, nil until the task ends.
func (t *ScheduledTask) Result(ctx context.Context) (map[string]any, error) {
	rec, err := t.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Result, nil
}

// IsRunning reports whether a worker holds the task, i.e. it is RUNNING or
// CANCELING.
func (t *ScheduledTask) IsRunning(ctx context.Context) (bool, error) {
	st, err := t.State(ctx)
	if err != nil {
		return false, err
	}
	return st == TaskRunning || st == TaskCanceling, nil
}

// Duration returns how long the task ran. ok is false until it has both
// started and ended.
func (t *ScheduledTask) Duration(ctx context.Context) (d time.Duration, ok bool, err error) {
	rec, err := t.Fetch(ctx)
	if err != nil {
		return 0, false, err
	}
	if rec.StartedAt == nil || rec.EndedAt == nil {
		return 0, false, nil
	}
	return rec.EndedAt.Sub(*rec.StartedAt), true, nil
}

// WaitForState blocks until the task reaches one of states. A timeout of
// zero waits as long as ctx allows.
func (t *ScheduledTask) WaitForState(ctx context.Context, timeout time.Duration, states ...TaskState) (TaskRecord, error) {
	return waitFor(ctx, t.mgr.cfg.WaitInterval, timeout, t.Fetch, func(rec TaskRecord) bool {
		return slices.Contains(states, rec.State)
	}, t.String())
}

// WaitForEnd blocks until the task is FINISHED, FAILED or CANCELED.
func (t *ScheduledTask) WaitForEnd(ctx context.Context, timeout time.Duration) (TaskRecord, error) {
	return t.WaitForState(ctx, timeout, TaskFinished, TaskFailed, TaskCanceled)
}

// Cancel asks for the task to be canceled. A task no worker has claimed yet
// is canceled on the spot; a running task becomes CANCELING and its worker
// records CANCELED once the function returns. With wait, Cancel blocks
// until the task is CANCELED.
func (t *ScheduledTask) Cancel(ctx context.Context, wait bool, timeout time.Duration) error {
	st := t.mgr.cfg.Store
	// Claims and finishes race with us; re-read and retry on a lost write.
	for attempt := 0; ; attempt++ {
		rec, err := t.Fetch(ctx)
		if err != nil {
			return err
		}
		if rec.State.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrAlreadyTerminal, t.id, rec.State)
		}

		var ok bool
		switch rec.State {
		case TaskCanceling:
			ok = true
		case TaskNew:
			ended := t.mgr.cfg.now()
			ok, err = st.TransitionTask(ctx, t.id, []TaskState{TaskNew}, TaskUpdate{
				State:   TaskCanceled,
				EndedAt: &ended,
				Result:  map[string]any{"error": msgTaskCanceled},
			})
		default:
			ok, err = st.TransitionTask(ctx, t.id, []TaskState{rec.State}, TaskUpdate{State: TaskCanceling})
		}
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if attempt >= 5 {
			return fmt.Errorf("taskmanager: cancel task %s: state keeps changing", t.id)
		}
	}

	t.mgr.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Cancel requested for task %s.", t.id),
		TaskID:  t.id,
	})
	if !wait {
		return nil
	}
	rec, err := t.WaitForState(ctx, timeout, TaskCanceled, TaskFinished, TaskFailed)
	if err != nil {
		return err
	}
	if rec.State != TaskCanceled {
		return fmt.Errorf("%w: task %s ended as %s", ErrAlreadyTerminal, t.id, rec.State)
	}
	return nil
}

// Worker is a handle to a worker started by a Manager. Like ScheduledTask,
// its accessors read the stored record.
type Worker struct {
	name   string
	mgr    *Manager
	thread *workerThread
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) String() string { return "Worker(" + w.name + ")" }

// Fetch returns a snapshot of the worker's current record.
func (w *Worker) Fetch(ctx context.Context) (WorkerRecord, error) {
	return w.mgr.cfg.Store.GetWorker(ctx, w.name)
}

func (w *Worker) State(ctx context.Context) (WorkerState, error) {
	rec, err := w.Fetch(ctx)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// CurrentTask returns the task the worker claimed most recently, or nil.
func (w *Worker) CurrentTask(ctx context.Context) (*ScheduledTask, error) {
	rec, err := w.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if rec.CurrentTask == nil {
		return nil, nil
	}
	return &ScheduledTask{id: *rec.CurrentTask, mgr: w.mgr}, nil
}

// WaitForTask waits for the worker's current task to end. It returns
// immediately when the worker has not claimed a task yet.
func (w *Worker) WaitForTask(ctx context.Context, timeout time.Duration) error {
	cur, err := w.CurrentTask(ctx)
	if err != nil || cur == nil {
		return err
	}
	_, err = cur.WaitForEnd(ctx, timeout)
	return err
}

// Done is closed once the worker's goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.thread.done }

// WaitForState blocks until the worker reaches one of states.
func (w *Worker) WaitForState(ctx context.Context, timeout time.Duration, states ...WorkerState) (WorkerRecord, error) {
	return waitFor(ctx, w.mgr.cfg.WaitInterval, timeout, w.Fetch, func(rec WorkerRecord) bool {
		return slices.Contains(states, rec.State)
	}, w.String())
}

// Terminate asks the worker to stop after its in-flight task. With wait it
// blocks until the worker has written QUIT, i.e. its loop has fully exited.
func (w *Worker) Terminate(ctx context.Context, wait bool, timeout time.Duration) error {
	rec, err := w.Fetch(ctx)
	if err != nil {
		return err
	}
	if rec.State == WorkerQuit {
		return fmt.Errorf("%w: %s", ErrAlreadyQuitting, w.name)
	}
	ok, err := w.mgr.cfg.Store.RequestTerminate(ctx, w.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQuitting, w.name)
	}
	w.thread.wake()

	w.mgr.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Termination requested for worker %s.", w.name),
		Worker:  w.name,
	})
	if !wait {
		return nil
	}
	_, err = w.WaitForState(ctx, timeout, WorkerQuit)
	return err
}

// waitFor polls fetch every interval until done accepts the record.
func waitFor[T any](ctx context.Context, interval, timeout time.Duration, fetch func(context.Context) (T, error), done func(T) bool, what string) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return rec, waitErr(ctx, what)
			}
			return rec, err
		}
		if done(rec) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, waitErr(ctx, what)
		case <-ticker.C:
		}
	}
}

func waitErr(ctx context.Context, what string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for %s: %w", ErrTimeout, what, err)
	}
	return err
}
