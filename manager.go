package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// CreateWorker binds a worker record named name to this manager and starts
// its polling goroutine. An existing record with the same name is resumed,
// so a restarted process inherits the worker's identity. An empty name is
// replaced by "<manager>.Worker<n>".
//
// The first call closes task registration.
func (m *Manager) CreateWorker(ctx context.Context, name string) (*Worker, error) {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("%s.Worker%d", m.cfg.Name, len(m.order))
	}
	if _, ok := m.workers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorker, name)
	}
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("taskmanager: manager %s is shut down: %w", m.cfg.Name, err)
	}

	m.freezeRegistry()

	if _, err := m.cfg.Store.EnsureWorker(ctx, name, m.cfg.Name, m.cfg.now()); err != nil {
		return nil, err
	}

	th := newWorkerThread(name, m)
	w := &Worker{name: name, mgr: m, thread: th}
	m.workers[name] = w
	m.order = append(m.order, name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		th.run(m.ctx)
	}()

	m.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Worker %s started.", name),
		Worker:  name,
	})
	return w, nil
}

// StartWorkers creates count workers with generated names. A count below
// one picks half the CPUs, at least one.
func (m *Manager) StartWorkers(ctx context.Context, count int) ([]*Worker, error) {
	if count <= 0 {
		count = max(1, runtime.NumCPU()/2)
	}
	m.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Starting %d workers...", count),
	})
	out := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		w, err := m.CreateWorker(ctx, "")
		if err != nil {
			return out, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Workers returns the workers created by this manager, in creation order.
func (m *Manager) Workers() []*Worker {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	out := make([]*Worker, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.workers[name])
	}
	return out
}

// Shutdown asks every worker of this manager to terminate and waits for
// their goroutines to exit. Workers finish their in-flight task first. If
// ctx ends before that, running tasks see their context canceled and
// Shutdown returns an error wrapping ErrTimeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cfg.logInfo(LogEvent{Message: "Shutdown requested. Stopping workers..."})

	for _, w := range m.Workers() {
		if err := w.Terminate(ctx, false, 0); err != nil && !errors.Is(err, ErrAlreadyQuitting) {
			m.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Could not request termination of worker %s", w.name),
				Worker:  w.name,
				Err:     err,
			})
		}
	}

	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		m.cancel()
		m.cfg.logInfo(LogEvent{Message: "All workers exited cleanly."})
		return nil
	case <-ctx.Done():
		m.cancel()
		m.cfg.logError(LogEvent{
			Message: "Shutdown timed out. Some workers may still be running.",
			Err:     ctx.Err(),
		})
		return fmt.Errorf("%w: shutdown: %w", ErrTimeout, ctx.Err())
	}
}

// wakeWorkers cuts the current sleep of every local worker short.
func (m *Manager) wakeWorkers() {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	for _, w := range m.workers {
		w.thread.wake()
	}
}
