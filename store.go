package taskmanager

import (
	"context"
	"time"
)

// Store persists worker and task records. It is the only state shared
// between workers; every cross-worker decision is a conditional write here.
//
// Methods that report a bool return false when the conditional write matched
// no row, i.e. another writer got there first.
type Store interface {
	// EnsureWorker creates the named worker record or resumes an existing
	// one, leaving it BUSY and bound to manager.
	EnsureWorker(ctx context.Context, name, manager string, now time.Time) (WorkerRecord, error)
	GetWorker(ctx context.Context, name string) (WorkerRecord, error)
	ListWorkers(ctx context.Context, manager string) ([]WorkerRecord, error)
	// UpdateWorker is ignored once the worker is TERMINATE or QUIT, unless
	// u moves it to QUIT.
	UpdateWorker(ctx context.Context, name string, u WorkerUpdate) (bool, error)
	// RequestTerminate sets TERMINATE unless the worker already quit.
	RequestTerminate(ctx context.Context, name string) (bool, error)

	InsertTask(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error)
	// NextDueTask returns the earliest due NEW, unassigned task of manager.
	NextDueTask(ctx context.Context, manager string, now time.Time) (TaskRecord, bool, error)
	// ClaimTask moves a NEW, unassigned task to RUNNING for worker.
	ClaimTask(ctx context.Context, id, worker string, now time.Time) (bool, error)
	// TransitionTask applies u only while the task is in one of from.
	TransitionTask(ctx context.Context, id string, from []TaskState, u TaskUpdate) (bool, error)
	// OrphanedTasks lists RUNNING or CANCELING tasks assigned to worker.
	OrphanedTasks(ctx context.Context, worker string) ([]TaskRecord, error)

	Close() error
}
