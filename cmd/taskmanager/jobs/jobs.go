// Package jobs holds the task functions the taskmanager binary registers.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/sky93/taskmanager"
)

type DoubleParams struct {
	X int `json:"x"`
}

func Double(p DoubleParams) (map[string]any, error) {
	return map[string]any{"doubled": p.X * 2}, nil
}

type SleepParams struct {
	Seconds float64 `json:"seconds" default:"1"`
}

// Sleep waits, honouring context cancellation.
func Sleep(ctx context.Context, p SleepParams) (map[string]any, error) {
	d := time.Duration(p.Seconds * float64(time.Second))
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type SumParams struct {
	Values []float64 `json:"values"`
	Scale  float64   `json:"scale" default:"1"`
}

// Sum returns a bare number, which is stored as {"result": n}.
func Sum(p SumParams) (float64, error) {
	if len(p.Values) == 0 {
		return 0, errors.New("sum: no values")
	}
	var total float64
	for _, v := range p.Values {
		total += v
	}
	return total * p.Scale, nil
}

type FailParams struct {
	Message string `json:"message" default:"failed on purpose"`
}

func Fail(p FailParams) (any, error) {
	return nil, errors.New(p.Message)
}

// Register adds every job to m.
func Register(m *taskmanager.Manager) error {
	for name, fn := range map[string]any{
		"double": Double,
		"sleep":  Sleep,
		"sum":    Sum,
		"fail":   Fail,
	} {
		if err := m.RegisterTask(name, fn); err != nil {
			return err
		}
	}
	return nil
}
