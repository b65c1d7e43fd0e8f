package taskmanager

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultManagerName  = "Manager"
	DefaultLoopDelay    = time.Second
	DefaultWaitInterval = time.Millisecond
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The name of the worker that triggered the log (if any).
	Worker string

	// The task ID, if available.
	TaskID string

	// The registered task name, if available.
	Task string

	// Any error associated with the event.
	Err error

	// How long the task or operation took, if relevant.
	Duration *time.Duration
}

// Config holds the settings and resources needed by a Manager.
type Config struct {
	// Name is the logical partition shared by the manager, its workers and
	// the tasks it schedules. Defaults to "Manager".
	Name string

	// Store is where worker and task records live. Required.
	Store Store

	// LoopDelay bounds how often each worker polls the store.
	// Defaults to one second.
	LoopDelay time.Duration

	// WaitInterval is how often proxies re-read a record while waiting.
	// Defaults to one millisecond.
	WaitInterval time.Duration

	// Logger receives debug, info and error events.
	// If nil, events are discarded.
	Logger *zerolog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.Store == nil {
		return errors.New("taskmanager: config: store is required")
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultManagerName
	}
	if c.LoopDelay <= 0 {
		c.LoopDelay = DefaultLoopDelay
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = DefaultWaitInterval
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// now truncates to microseconds, the resolution the store keeps.
func (c *Config) now() time.Time {
	return c.Now().Round(0).Truncate(time.Microsecond)
}
