package taskmanager

import (
	"time"
)

// WorkerState enumerates the possible states of a worker record.
type WorkerState string

const (
	WorkerBusy      WorkerState = "BUSY"
	WorkerIdle      WorkerState = "IDLE"
	WorkerTerminate WorkerState = "TERMINATE"
	WorkerQuit      WorkerState = "QUIT"
)

// Stopping reports whether the worker was asked to stop or already stopped.
func (s WorkerState) Stopping() bool {
	return s == WorkerTerminate || s == WorkerQuit
}

// TaskState enumerates the possible states of a task record.
type TaskState string

const (
	TaskNew       TaskState = "NEW"
	TaskRunning   TaskState = "RUNNING"
	TaskCanceling TaskState = "CANCELING"
	TaskCanceled  TaskState = "CANCELED"
	TaskFinished  TaskState = "FINISHED"
	TaskFailed    TaskState = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// WorkerRecord corresponds to one row in the workers table.
type WorkerRecord struct {
	Name        string
	Manager     string
	State       WorkerState
	LastSeen    time.Time
	Delay       time.Duration
	CurrentTask *string
}

// TaskRecord corresponds to one row in the tasks table.
type TaskRecord struct {
	ID        string
	Name      string
	Manager   string
	State     TaskState
	Worker    *string
	CreatedAt time.Time
	DueAt     time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Params    map[string]any
	Result    map[string]any
	// Schedule is the cron expression of a recurring task, empty for
	// one-shot tasks.
	Schedule string
}

// WorkerUpdate lists the worker fields a heartbeat or state change writes.
type WorkerUpdate struct {
	State    WorkerState
	LastSeen time.Time
	Delay    time.Duration
	// CurrentTask is written as-is; nil clears it.
	CurrentTask *string
}

// TaskUpdate is the terminal write applied by TransitionTask.
type TaskUpdate struct {
	State   TaskState
	EndedAt *time.Time
	Result  map[string]any
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Manager string
	State   TaskState
	Worker  string
	Limit   int
}
