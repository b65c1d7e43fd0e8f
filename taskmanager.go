// Package taskmanager runs registered task functions on workers that
// coordinate exclusively through a shared Store.
//
// A Manager owns a registry of task functions. Each worker created through
// it polls the store for due tasks of the manager's partition, claims one
// with a conditional update, runs it and writes back the outcome. Callers
// follow progress through ScheduledTask and Worker handles which always
// read the latest stored record.
package taskmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

type Manager struct {
	cfg *Config

	handlers  map[string]*taskFunc
	handlerMu sync.RWMutex
	frozen    bool

	workersMu sync.Mutex
	workers   map[string]*Worker
	order     []string
	wg        sync.WaitGroup

	// ctx bounds worker goroutines; cancel is the hard stop used when a
	// graceful Shutdown runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	cronParser cron.Parser
}

func New(cfg Config) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      &cfg,
		handlers: make(map[string]*taskFunc),
		workers:  make(map[string]*Worker),
		ctx:      ctx,
		cancel:   cancel,
		cronParser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}, nil
}

// Name returns the manager's partition name.
func (m *Manager) Name() string { return m.cfg.Name }

// Store returns the store the manager was configured with.
func (m *Manager) Store() Store { return m.cfg.Store }

// ScheduleTask inserts a new task for the registered function name, due at
// due (now if zero). params are validated against the function's parameter
// struct; omitted optional parameters receive their defaults.
func (m *Manager) ScheduleTask(ctx context.Context, name string, due time.Time, params map[string]any) (*ScheduledTask, error) {
	return m.schedule(ctx, name, due, params, "")
}

// ScheduleCron schedules name for the next activation of a cron expression.
// Seconds are optional and descriptors such as "@hourly" or "@every 10s"
// are accepted. The task recurs: once an occurrence is FINISHED or FAILED
// the worker inserts the next one. A canceled occurrence ends the series.
func (m *Manager) ScheduleCron(ctx context.Context, name, expr string, params map[string]any) (*ScheduledTask, error) {
	sched, err := m.cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: cron %q: %w", expr, err)
	}
	return m.schedule(ctx, name, sched.Next(m.cfg.Now()), params, expr)
}

func (m *Manager) schedule(ctx context.Context, name string, due time.Time, params map[string]any, expr string) (*ScheduledTask, error) {
	tf, err := m.getHandler(name)
	if err != nil {
		return nil, err
	}
	bound, err := tf.bind(params)
	if err != nil {
		return nil, err
	}
	return m.insertTask(ctx, tf.name, due, bound, expr)
}

func (m *Manager) insertTask(ctx context.Context, name string, due time.Time, params map[string]any, expr string) (*ScheduledTask, error) {
	now := m.cfg.now()
	if due.IsZero() {
		due = now
	} else {
		due = due.Round(0).Truncate(time.Microsecond)
	}

	rec := TaskRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Manager:   m.cfg.Name,
		State:     TaskNew,
		CreatedAt: now,
		DueAt:     due,
		Params:    params,
		Schedule:  expr,
	}
	if err := m.cfg.Store.InsertTask(ctx, rec); err != nil {
		return nil, err
	}

	m.cfg.logDebug(LogEvent{
		Message: fmt.Sprintf("Task %s scheduled for %s.", rec.ID, due.Format(time.RFC3339Nano)),
		TaskID:  rec.ID,
		Task:    rec.Name,
	})

	// If the task is ready now, let local workers check immediately.
	if !due.After(now) {
		m.wakeWorkers()
	}
	return &ScheduledTask{id: rec.ID, mgr: m}, nil
}

// rearm inserts the next occurrence of a recurring task. The stored params
// were validated when the series was scheduled and are reused as-is.
func (m *Manager) rearm(ctx context.Context, prev TaskRecord) (*ScheduledTask, error) {
	sched, err := m.cronParser.Parse(prev.Schedule)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: cron %q: %w", prev.Schedule, err)
	}
	return m.insertTask(ctx, prev.Name, sched.Next(m.cfg.Now()), prev.Params, prev.Schedule)
}

// Task returns a handle for an existing task ID.
func (m *Manager) Task(ctx context.Context, id string) (*ScheduledTask, error) {
	if _, err := m.cfg.Store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return &ScheduledTask{id: id, mgr: m}, nil
}
