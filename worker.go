package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// finishTimeout bounds the writes that close out a task, which run even
// after the worker's context was canceled.
const finishTimeout = 10 * time.Second

// workerThread is the polling loop behind a Worker handle.
type workerThread struct {
	name string
	mgr  *Manager
	cfg  *Config

	wakeup chan struct{}
	done   chan struct{}

	// Owned by the loop goroutine.
	delay    time.Duration
	lastTask *string
	fatal    error
}

func newWorkerThread(name string, m *Manager) *workerThread {
	return &workerThread{
		name:   name,
		mgr:    m,
		cfg:    m.cfg,
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *workerThread) wake() {
	select {
	case w.wakeup <- struct{}{}:
	default:
		// a wakeup is already pending
	}
}

// run recovers orphaned tasks, then polls until the record asks it to stop
// or ctx is canceled. QUIT is always the last state it writes.
func (w *workerThread) run(ctx context.Context) {
	defer close(w.done)
	defer w.quit(ctx)

	w.recoverOrphans(ctx)

	for {
		start := w.cfg.now()
		if w.iterate(ctx, start) {
			return
		}
		w.delay = w.cfg.now().Sub(start)

		sleep := max(0, w.cfg.LoopDelay-w.delay)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.cfg.logInfo(LogEvent{
				Message: fmt.Sprintf("Worker %s context canceled, stopping.", w.name),
				Worker:  w.name,
			})
			return
		case <-w.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// iterate performs one heartbeat/poll/execute cycle and reports whether
// the loop must stop.
func (w *workerThread) iterate(ctx context.Context, start time.Time) bool {
	st := w.cfg.Store

	rec, err := st.GetWorker(ctx, w.name)
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error reading record of worker %s", w.name),
			Worker:  w.name,
			Err:     err,
		})
		return errors.Is(err, ErrNotFound) || ctx.Err() != nil
	}
	if rec.State.Stopping() {
		w.cfg.logInfo(LogEvent{
			Message: fmt.Sprintf("Worker %s observed %s, stopping.", w.name, rec.State),
			Worker:  w.name,
		})
		return true
	}

	ok, err := st.UpdateWorker(ctx, w.name, WorkerUpdate{
		State:       WorkerIdle,
		LastSeen:    start,
		Delay:       w.delay,
		CurrentTask: w.lastTask,
	})
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error writing heartbeat of worker %s", w.name),
			Worker:  w.name,
			Err:     err,
		})
		return ctx.Err() != nil
	}
	if !ok {
		// Terminated between the read and the heartbeat.
		return true
	}

	task, found, err := st.NextDueTask(ctx, w.cfg.Name, start)
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error fetching task for worker %s", w.name),
			Worker:  w.name,
			Err:     err,
		})
		return ctx.Err() != nil
	}
	if !found {
		return false
	}

	claimed, err := st.ClaimTask(ctx, task.ID, w.name, w.cfg.now())
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error claiming task %s for worker %s", task.ID, w.name),
			Worker:  w.name,
			TaskID:  task.ID,
			Task:    task.Name,
			Err:     err,
		})
		return ctx.Err() != nil
	}
	if !claimed {
		w.cfg.logDebug(LogEvent{
			Message: fmt.Sprintf("Task %s was claimed by another worker.", task.ID),
			Worker:  w.name,
			TaskID:  task.ID,
			Task:    task.Name,
		})
		return false
	}

	id := task.ID
	w.lastTask = &id
	if _, err := st.UpdateWorker(ctx, w.name, WorkerUpdate{
		State:       WorkerBusy,
		LastSeen:    w.cfg.now(),
		Delay:       w.delay,
		CurrentTask: w.lastTask,
	}); err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error marking worker %s busy", w.name),
			Worker:  w.name,
			TaskID:  task.ID,
			Err:     err,
		})
	}

	w.execute(ctx, task)
	return w.fatal != nil
}

// execute runs a claimed task and records its outcome.
func (w *workerThread) execute(ctx context.Context, task TaskRecord) {
	start := time.Now()
	w.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Processing task %s (%s)", task.ID, task.Name),
		Worker:  w.name,
		TaskID:  task.ID,
		Task:    task.Name,
	})

	tf, err := w.mgr.getHandler(task.Name)
	if err != nil {
		// The function was registered by some other process; this worker
		// can never run it.
		w.fatal = err
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Worker %s cannot run task %s, stopping.", w.name, task.ID),
			Worker:  w.name,
			TaskID:  task.ID,
			Task:    task.Name,
			Err:     err,
		})
		w.finishTask(ctx, task, false, map[string]any{"error": err.Error()})
		return
	}

	result, execErr := w.runTask(ctx, tf, task)
	success := execErr == nil
	if !success {
		result = map[string]any{"error": execErr.Error()}
	}
	final := w.finishTask(ctx, task, success, result)
	if final == "" {
		final = "left unfinished"
	}

	elapsed := time.Since(start)
	switch {
	case execErr != nil:
		w.cfg.logError(LogEvent{
			Message:  fmt.Sprintf("Task %s %s in %v", task.ID, final, elapsed),
			Worker:   w.name,
			TaskID:   task.ID,
			Task:     task.Name,
			Duration: &elapsed,
			Err:      execErr,
		})
	default:
		w.cfg.logInfo(LogEvent{
			Message:  fmt.Sprintf("Task %s %s in %v", task.ID, final, elapsed),
			Worker:   w.name,
			TaskID:   task.ID,
			Task:     task.Name,
			Duration: &elapsed,
		})
	}
}

// runTask calls the task function; panics are reported as errors.
func (w *workerThread) runTask(ctx context.Context, tf *taskFunc, task TaskRecord) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Task %s panicked: %v\n%s", task.ID, r, debug.Stack()),
				Worker:  w.name,
				TaskID:  task.ID,
				Task:    task.Name,
			})
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return tf.call(ctx, task.Params)
}

// finishTask moves a RUNNING or CANCELING task to its terminal state and
// returns that state. A pending cancel request always wins. A result that
// cannot be encoded, or that the store rejects, fails the task with that
// error instead.
func (w *workerThread) finishTask(ctx context.Context, task TaskRecord, success bool, result map[string]any) TaskState {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if _, err := json.Marshal(result); err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Result of task %s failed validation", task.ID),
			Worker:  w.name,
			TaskID:  task.ID,
			Task:    task.Name,
			Err:     err,
		})
		success = false
		result = map[string]any{"error": err.Error()}
	}

	st := w.cfg.Store
	// A cancel request can land between the read and the write; retry then.
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := st.GetTask(ctx, task.ID)
		if err != nil {
			w.logFinishError(task, err)
			return ""
		}
		if cur.State != TaskRunning && cur.State != TaskCanceling {
			w.logFinishError(task, fmt.Errorf("%w: task %s is %s", ErrInvalidStateForFinish, task.ID, cur.State))
			return cur.State
		}

		state, res := TaskFinished, result
		if !success {
			state = TaskFailed
		}
		if cur.State == TaskCanceling {
			state, res = TaskCanceled, map[string]any{"error": msgTaskCanceled}
		}
		ended := w.cfg.now()
		ok, err := st.TransitionTask(ctx, task.ID, []TaskState{cur.State}, TaskUpdate{
			State:   state,
			EndedAt: &ended,
			Result:  res,
		})
		if err != nil {
			w.logFinishError(task, err)
			return w.forceFail(ctx, cur, err)
		}
		if ok {
			w.rearm(ctx, cur, state)
			return state
		}
	}
	w.logFinishError(task, fmt.Errorf("task %s kept changing state", task.ID))
	return ""
}

// forceFail records writeErr as the outcome after the store refused the
// regular terminal write, e.g. because the result was too large.
func (w *workerThread) forceFail(ctx context.Context, task TaskRecord, writeErr error) TaskState {
	ended := w.cfg.now()
	ok, err := w.cfg.Store.TransitionTask(ctx, task.ID, []TaskState{TaskRunning, TaskCanceling}, TaskUpdate{
		State:   TaskFailed,
		EndedAt: &ended,
		Result:  map[string]any{"error": writeErr.Error()},
	})
	if err != nil {
		w.logFinishError(task, err)
		return ""
	}
	if !ok {
		return ""
	}
	w.cfg.logError(LogEvent{
		Message: fmt.Sprintf("Task %s forced to FAILED after its result was rejected", task.ID),
		Worker:  w.name,
		TaskID:  task.ID,
		Task:    task.Name,
		Err:     writeErr,
	})
	if task.State != TaskCanceling {
		w.rearm(ctx, task, TaskFailed)
	}
	return TaskFailed
}

// rearm schedules the next occurrence of a recurring task that ended as
// outcome. Canceling ends the series.
func (w *workerThread) rearm(ctx context.Context, task TaskRecord, outcome TaskState) {
	if task.Schedule == "" || outcome == TaskCanceled {
		return
	}
	next, err := w.mgr.rearm(ctx, task)
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Could not schedule the next run of task %s", task.ID),
			Worker:  w.name,
			TaskID:  task.ID,
			Task:    task.Name,
			Err:     err,
		})
		return
	}
	w.cfg.logDebug(LogEvent{
		Message: fmt.Sprintf("Task %s recurs as %s.", task.ID, next.ID()),
		Worker:  w.name,
		TaskID:  task.ID,
		Task:    task.Name,
	})
}

func (w *workerThread) logFinishError(task TaskRecord, err error) {
	w.cfg.logError(LogEvent{
		Message: fmt.Sprintf("Error finishing task %s", task.ID),
		Worker:  w.name,
		TaskID:  task.ID,
		Task:    task.Name,
		Err:     err,
	})
}

// recoverOrphans closes out tasks a previous incarnation of this worker
// left behind. Each transition is conditional, so running it twice is
// harmless.
func (w *workerThread) recoverOrphans(ctx context.Context) {
	st := w.cfg.Store
	orphans, err := st.OrphanedTasks(ctx, w.name)
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error listing orphaned tasks of worker %s", w.name),
			Worker:  w.name,
			Err:     err,
		})
		return
	}
	for _, t := range orphans {
		state, msg := TaskFailed, msgWorkerRestarted
		if t.State == TaskCanceling {
			state, msg = TaskCanceled, msgTaskCanceled
		}
		ended := w.cfg.now()
		ok, err := st.TransitionTask(ctx, t.ID, []TaskState{t.State}, TaskUpdate{
			State:   state,
			EndedAt: &ended,
			Result:  map[string]any{"error": msg},
		})
		if err != nil {
			w.logFinishError(t, err)
			continue
		}
		if ok {
			w.rearm(ctx, t, state)
			w.cfg.logWarn(LogEvent{
				Message: fmt.Sprintf("Task %s was left %s by a previous run, now %s.", t.ID, t.State, state),
				Worker:  w.name,
				TaskID:  t.ID,
				Task:    t.Name,
			})
		}
	}
}

// quit writes the final QUIT state.
func (w *workerThread) quit(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	_, err := w.cfg.Store.UpdateWorker(ctx, w.name, WorkerUpdate{
		State:       WorkerQuit,
		LastSeen:    w.cfg.now(),
		Delay:       w.delay,
		CurrentTask: w.lastTask,
	})
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Error marking worker %s as quit", w.name),
			Worker:  w.name,
			Err:     err,
		})
		return
	}
	msg := fmt.Sprintf("Worker %s quit.", w.name)
	if w.fatal != nil {
		w.cfg.logError(LogEvent{Message: msg, Worker: w.name, Err: w.fatal})
		return
	}
	w.cfg.logInfo(LogEvent{Message: msg, Worker: w.name})
}
