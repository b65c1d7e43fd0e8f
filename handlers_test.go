package taskmanager

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type defaultsParams struct {
	A any    `json:"a"`
	B int    `json:"b" default:"5"`
	C string `json:"c" default:"hello"`
	D []int  `json:"d" default:"[1,2]"`
}

func taskWithDefaults(p defaultsParams) (any, error) { return p, nil }

type doubleParams struct {
	X int `json:"x"`
}

func taskDouble(p doubleParams) (map[string]any, error) {
	return map[string]any{"doubled": p.X * 2}, nil
}

func TestRegisterTask_DerivesName(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newTestStore(t), "m")
	if err := m.RegisterTask("", taskDouble); err != nil {
		t.Fatalf("RegisterTask err=%v", err)
	}
	if _, err := m.getHandler("taskDouble"); err != nil {
		t.Fatalf("getHandler(taskDouble) err=%v", err)
	}
}

func TestRegisterTask_Duplicate(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newTestStore(t), "m")
	if err := m.RegisterTask("double", taskDouble); err != nil {
		t.Fatalf("RegisterTask err=%v", err)
	}
	if err := m.RegisterTask("double", taskDouble); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("RegisterTask err=%v, want ErrDuplicateRegistration", err)
	}
}

func TestRegisterTask_AfterWorkerCreated(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, newTestStore(t), "m")
	if _, err := m.CreateWorker(context.Background(), "w"); err != nil {
		t.Fatalf("CreateWorker err=%v", err)
	}
	if err := m.RegisterTask("double", taskDouble); !errors.Is(err, ErrRegistrationAfterStart) {
		t.Fatalf("RegisterTask err=%v, want ErrRegistrationAfterStart", err)
	}
}

func TestRegisterTask_InvalidShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fn   any
	}{
		{name: "nil", fn: nil},
		{name: "not a func", fn: 42},
		{name: "no args", fn: func() (any, error) { return nil, nil }},
		{name: "non struct params", fn: func(int) (any, error) { return nil, nil }},
		{name: "first arg not context", fn: func(int, noParams) (any, error) { return nil, nil }},
		{name: "no error return", fn: func(noParams) any { return nil }},
		{name: "bad default", fn: func(struct {
			N int `json:"n" default:"x"`
		}) (any, error) {
			return nil, nil
		}},
	}
	m := newTestManager(t, newTestStore(t), "m")
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := m.RegisterTask("x", tt.fn); !errors.Is(err, ErrInvalidTaskFunc) {
				t.Fatalf("RegisterTask err=%v, want ErrInvalidTaskFunc", err)
			}
		})
	}
}

func TestScheduleTask_ParameterDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, newTestStore(t), "m")
	m.MustRegisterTask("t", taskWithDefaults)

	task, err := m.ScheduleTask(ctx, "t", time.Time{}, map[string]any{"a": "value"})
	if err != nil {
		t.Fatalf("ScheduleTask err=%v", err)
	}
	rec, err := task.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch err=%v", err)
	}
	if rec.State != TaskNew || rec.Worker != nil {
		t.Fatalf("new task=%+v", rec)
	}
	if rec.Params["a"] != "value" || rec.Params["b"] != float64(5) || rec.Params["c"] != "hello" {
		t.Fatalf("params=%v", rec.Params)
	}
	if d, ok := rec.Params["d"].([]any); !ok || len(d) != 2 {
		t.Fatalf("params[d]=%v", rec.Params["d"])
	}
}

func TestScheduleTask_DefaultsAreCopies(t *testing.T) {
	t.Parallel()
	tf, err := newTaskFunc("t", taskWithDefaults)
	if err != nil {
		t.Fatalf("newTaskFunc err=%v", err)
	}
	first, err := tf.bind(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("bind err=%v", err)
	}
	first["d"].([]int)[0] = 99
	second, err := tf.bind(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("bind err=%v", err)
	}
	if got := second["d"].([]int)[0]; got != 1 {
		t.Fatalf("default shared between tasks: d[0]=%d", got)
	}
}

func TestScheduleTask_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	m := newTestManager(t, st, "m")
	m.MustRegisterTask("t", taskWithDefaults)
	m.MustRegisterTask("double", taskDouble)

	tests := []struct {
		name   string
		task   string
		params map[string]any
		want   error
	}{
		{name: "unknown task", task: "unregistered_name", want: ErrUnknownTask},
		{name: "missing required", task: "t", params: map[string]any{"b": 1}, want: ErrMissingParameter},
		{name: "unexpected", task: "double", params: map[string]any{"x": 1, "y": 2}, want: ErrUnexpectedParameter},
		{name: "string for int", task: "double", params: map[string]any{"x": "21"}, want: ErrTypeMismatch},
		{name: "fractional for int", task: "double", params: map[string]any{"x": 2.5}, want: ErrTypeMismatch},
		{name: "nil for int", task: "double", params: map[string]any{"x": nil}, want: ErrTypeMismatch},
		{name: "overflow", task: "double", params: map[string]any{"x": uint64(1 << 63)}, want: ErrTypeMismatch},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ScheduleTask(ctx, tt.task, time.Time{}, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("ScheduleTask err=%v, want %v", err, tt.want)
			}
		})
	}

	tasks, err := st.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks err=%v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected schedules created %d task(s)", len(tasks))
	}
}

func TestValueFits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		v    any
		typ  any
		want bool
	}{
		{name: "int to int", v: 1, typ: int(0), want: true},
		{name: "int64 to int", v: int64(7), typ: int(0), want: true},
		{name: "integral float to int", v: 3.0, typ: int(0), want: true},
		{name: "int to float", v: 3, typ: float64(0), want: true},
		{name: "negative to uint", v: -1, typ: uint(0), want: false},
		{name: "overflow int8", v: 300, typ: int8(0), want: false},
		{name: "string to string", v: "s", typ: "", want: true},
		{name: "bool to string", v: true, typ: "", want: false},
		{name: "map to map", v: map[string]any{}, typ: map[string]any{}, want: true},
		{name: "decoded list to []float64", v: []any{1.0, 2}, typ: []float64(nil), want: true},
		{name: "mixed list to []int", v: []any{1, "x"}, typ: []int(nil), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := valueFits(tt.v, typeOf(tt.typ)); got != tt.want {
				t.Fatalf("valueFits(%v)=%v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestNormalizeResult(t *testing.T) {
	t.Parallel()
	type out struct {
		N int `json:"n"`
	}
	var nilPtr *out

	got, err := normalizeResult(out{N: 1})
	if err != nil || got["n"] != float64(1) {
		t.Fatalf("struct result=%v err=%v", got, err)
	}
	got, err = normalizeResult(42)
	if err != nil || got["result"] != float64(42) {
		t.Fatalf("scalar result=%v err=%v", got, err)
	}
	got, err = normalizeResult(nilPtr)
	if err != nil || len(got) != 0 {
		t.Fatalf("nil result=%v err=%v", got, err)
	}
	if _, err := normalizeResult(make(chan int)); err == nil {
		t.Fatal("expected error for channel result")
	}
}

func typeOf(v any) reflect.Type { return reflect.TypeOf(v) }

type baseParams struct {
	X int `json:"x"`
}

type embeddedParams struct {
	baseParams
	Y int `json:"y"`
}

func TestRegisterTask_EmbeddedStructFlattens(t *testing.T) {
	t.Parallel()
	tf, err := newTaskFunc("e", func(p embeddedParams) (any, error) { return p, nil })
	if err != nil {
		t.Fatalf("newTaskFunc err=%v", err)
	}
	var names []string
	for _, p := range tf.params {
		names = append(names, p.name)
	}
	if !reflect.DeepEqual(names, []string{"x", "y"}) {
		t.Fatalf("params=%v, want [x y]", names)
	}

	bound, err := tf.bind(map[string]any{"x": 7, "y": 2})
	if err != nil {
		t.Fatalf("bind err=%v", err)
	}
	in, err := tf.decode(bound)
	if err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if got := in.Interface().(embeddedParams); got.X != 7 || got.Y != 2 {
		t.Fatalf("decoded=%+v, want X=7 Y=2", got)
	}
	if _, err := tf.bind(map[string]any{"baseParams": map[string]any{"x": 7}, "y": 2}); !errors.Is(err, ErrUnexpectedParameter) {
		t.Fatalf("nested bind err=%v, want ErrUnexpectedParameter", err)
	}
}

func TestRegisterTask_EmbeddedConflicts(t *testing.T) {
	t.Parallel()
	type clash struct {
		baseParams
		X int `json:"x"`
	}
	type viaPointer struct {
		*baseParams
		Y int `json:"y"`
	}
	for name, fn := range map[string]any{
		"duplicate name":   func(clash) (any, error) { return nil, nil },
		"embedded pointer": func(viaPointer) (any, error) { return nil, nil },
	} {
		if _, err := newTaskFunc("e", fn); !errors.Is(err, ErrInvalidTaskFunc) {
			t.Fatalf("%s: newTaskFunc err=%v, want ErrInvalidTaskFunc", name, err)
		}
	}
}
