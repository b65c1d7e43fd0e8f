package taskmanager

import (
	"github.com/rs/zerolog"
)

func (c *Config) emit(e *zerolog.Event, ev LogEvent) {
	e = e.Str("manager", c.Name)
	if ev.Worker != "" {
		e = e.Str("worker", ev.Worker)
	}
	if ev.TaskID != "" {
		e = e.Str("task_id", ev.TaskID)
	}
	if ev.Task != "" {
		e = e.Str("task", ev.Task)
	}
	if ev.Duration != nil {
		e = e.Dur("took", *ev.Duration)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg(ev.Message)
}

// Helper methods to invoke logging
func (c *Config) logDebug(ev LogEvent) { c.emit(c.Logger.Debug(), ev) }
func (c *Config) logInfo(ev LogEvent)  { c.emit(c.Logger.Info(), ev) }
func (c *Config) logWarn(ev LogEvent)  { c.emit(c.Logger.Warn(), ev) }
func (c *Config) logError(ev LogEvent) { c.emit(c.Logger.Error(), ev) }
