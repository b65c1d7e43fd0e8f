package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"strings"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// param describes one field of a task's parameter struct.
type param struct {
	name     string
	typ      reflect.Type
	required bool
	// def is the JSON encoding of the default, decoded afresh for every
	// scheduled task so callers never share a value.
	def json.RawMessage
}

// taskFunc is a registered task function and its parameter schema.
type taskFunc struct {
	name    string
	fn      reflect.Value
	withCtx bool
	in      reflect.Type
	params  []param
}

// RegisterTask associates a name with a task function.
//
// fn must have one of the shapes
//
//	func(context.Context, P) (R, error)
//	func(P) (R, error)
//
// where P is a struct whose exported fields are the task parameters. The
// parameter name is the field's json tag name (or the field name). A field
// with a `default:"..."` tag (a JSON literal; plain text for strings) or a
// json ",omitempty" option is optional, every other field is required when
// scheduling. R must encode to JSON; objects are stored as the task result,
// other values are stored under the "result" key.
//
// If name is empty the function's own name is used. Registration is closed
// once the manager has created its first worker.
func (m *Manager) RegisterTask(name string, fn any) error {
	tf, err := newTaskFunc(name, fn)
	if err != nil {
		return err
	}

	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if m.frozen {
		return fmt.Errorf("%w: %s", ErrRegistrationAfterStart, tf.name)
	}
	if _, ok := m.handlers[tf.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, tf.name)
	}
	m.handlers[tf.name] = tf

	m.cfg.logDebug(LogEvent{
		Message: fmt.Sprintf("Task %s registered with %d parameter(s).", tf.name, len(tf.params)),
		Task:    tf.name,
	})
	return nil
}

// MustRegisterTask is like RegisterTask but panics on error.
func (m *Manager) MustRegisterTask(name string, fn any) {
	if err := m.RegisterTask(name, fn); err != nil {
		panic(err)
	}
}

// RegisteredTasks returns the names of all registered task functions.
func (m *Manager) RegisteredTasks() []string {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	return out
}

// getHandler returns the task function for name or ErrUnknownTask.
func (m *Manager) getHandler(name string) (*taskFunc, error) {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	if m.handlers == nil {
		return nil, fmt.Errorf("%w: %s (registry closed)", ErrUnknownTask, name)
	}
	tf, ok := m.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return tf, nil
}

func (m *Manager) freezeRegistry() {
	m.handlerMu.Lock()
	m.frozen = true
	m.handlerMu.Unlock()
}

func newTaskFunc(name string, fn any) (*taskFunc, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidTaskFunc, fn)
	}
	t := v.Type()

	tf := &taskFunc{fn: v}
	switch t.NumIn() {
	case 1:
	case 2:
		if t.In(0) != contextType {
			return nil, fmt.Errorf("%w: first argument must be context.Context, got %s", ErrInvalidTaskFunc, t.In(0))
		}
		tf.withCtx = true
	default:
		return nil, fmt.Errorf("%w: want 1 or 2 arguments, got %d", ErrInvalidTaskFunc, t.NumIn())
	}
	tf.in = t.In(t.NumIn() - 1)
	if tf.in.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: parameters must be a struct, got %s", ErrInvalidTaskFunc, tf.in)
	}
	if t.NumOut() != 2 || t.Out(1) != errorType {
		return nil, fmt.Errorf("%w: must return (R, error)", ErrInvalidTaskFunc)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = funcName(v)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: cannot derive a name", ErrInvalidTaskFunc)
	}
	tf.name = name

	params, err := paramsOf(tf.in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTaskFunc, name, err)
	}
	tf.params = params
	return tf, nil
}

// funcName turns "example.com/pkg.taskDouble" into "taskDouble".
func funcName(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	full := f.Name()
	if i := strings.LastIndex(full, "/"); i >= 0 {
		full = full[i+1:]
	}
	if i := strings.Index(full, "."); i >= 0 {
		full = full[i+1:]
	}
	return full
}

func paramsOf(st reflect.Type) ([]param, error) {
	var out []param
	if err := collectParams(st, map[string]bool{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// collectParams walks st the way encoding/json does: untagged embedded
// structs contribute their fields directly.
func collectParams(st reflect.Type, seen map[string]bool, out *[]param) error {
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				return fmt.Errorf("embedded pointer %s is not supported", ft)
			}
			if ft.Kind() == reflect.Struct {
				if err := collectParams(ft, seen, out); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if seen[name] {
			return fmt.Errorf("duplicate parameter %q", name)
		}
		seen[name] = true

		p := param{name: name, typ: f.Type, required: true}
		if raw, ok := f.Tag.Lookup("default"); ok {
			def, err := encodeDefault(raw, f.Type)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", name, err)
			}
			p.def = def
			p.required = false
		} else if strings.Contains(","+opts+",", ",omitempty,") {
			p.required = false
		}
		*out = append(*out, p)
	}
	return nil
}

func encodeDefault(raw string, typ reflect.Type) (json.RawMessage, error) {
	if json.Valid([]byte(raw)) {
		if err := json.Unmarshal([]byte(raw), reflect.New(typ).Interface()); err == nil {
			return json.RawMessage(raw), nil
		}
	}
	if typ.Kind() == reflect.String {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("default %q does not decode into %s", raw, typ)
}

// bind validates params against the schema and fills in defaults.
func (tf *taskFunc) bind(params map[string]any) (map[string]any, error) {
	known := make(map[string]bool, len(tf.params))
	for _, p := range tf.params {
		known[p.name] = true
	}
	for k := range params {
		if !known[k] {
			return nil, fmt.Errorf("%w: %s(%s)", ErrUnexpectedParameter, tf.name, k)
		}
	}

	out := make(map[string]any, len(tf.params))
	for _, p := range tf.params {
		v, ok := params[p.name]
		if !ok {
			if p.required {
				return nil, fmt.Errorf("%w: %s(%s)", ErrMissingParameter, tf.name, p.name)
			}
			if p.def != nil {
				dst := reflect.New(p.typ)
				if err := json.Unmarshal(p.def, dst.Interface()); err != nil {
					return nil, fmt.Errorf("%s(%s): default: %w", tf.name, p.name, err)
				}
				out[p.name] = dst.Elem().Interface()
			}
			continue
		}
		if !valueFits(v, p.typ) {
			return nil, fmt.Errorf("%w: %s(%s) wants %s, got %T", ErrTypeMismatch, tf.name, p.name, p.typ, v)
		}
		out[p.name] = v
	}

	// The worker decodes params from JSON, so they must survive the trip.
	if _, err := tf.decode(out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTypeMismatch, tf.name, err)
	}
	return out, nil
}

func (tf *taskFunc) decode(params map[string]any) (reflect.Value, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return reflect.Value{}, err
	}
	dst := reflect.New(tf.in)
	if err := json.Unmarshal(raw, dst.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return dst.Elem(), nil
}

// call decodes params into the parameter struct and invokes the function.
func (tf *taskFunc) call(ctx context.Context, params map[string]any) (map[string]any, error) {
	in, err := tf.decode(params)
	if err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	args := []reflect.Value{in}
	if tf.withCtx {
		args = []reflect.Value{reflect.ValueOf(ctx), in}
	}
	out := tf.fn.Call(args)
	if e := out[1].Interface(); e != nil {
		return nil, e.(error)
	}
	return normalizeResult(out[0].Interface())
}

// normalizeResult turns a task's return value into a result mapping.
func normalizeResult(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	if m, ok := v.(map[string]any); ok {
		if m == nil {
			return map[string]any{}, nil
		}
		return m, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return map[string]any{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil && m != nil {
		return m, nil
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	return map[string]any{"result": val}, nil
}

// valueFits reports whether v may be passed for a parameter of type typ.
// Numbers are accepted across kinds when the conversion is lossless.
func valueFits(v any, typ reflect.Type) bool {
	if v == nil {
		switch typ.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
			return true
		}
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(typ) {
		return true
	}
	switch typ.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Pointer:
		// Decoded JSON ([]any, map[string]any) is checked element-wise by
		// decoding it into the target type.
		return decodesAs(v, typ)
	}
	return numberFits(rv, typ)
}

func decodesAs(v any, typ reflect.Type) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, reflect.New(typ).Interface()) == nil
}

func numberFits(rv reflect.Value, typ reflect.Type) bool {
	zero := reflect.Zero(typ)
	switch {
	case isInt(typ.Kind()):
		switch {
		case isInt(rv.Kind()):
			return !zero.OverflowInt(rv.Int())
		case isUint(rv.Kind()):
			return rv.Uint() <= math.MaxInt64 && !zero.OverflowInt(int64(rv.Uint()))
		case isFloat(rv.Kind()):
			f := rv.Float()
			return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !zero.OverflowInt(int64(f))
		}
	case isUint(typ.Kind()):
		switch {
		case isInt(rv.Kind()):
			return rv.Int() >= 0 && !zero.OverflowUint(uint64(rv.Int()))
		case isUint(rv.Kind()):
			return !zero.OverflowUint(rv.Uint())
		case isFloat(rv.Kind()):
			f := rv.Float()
			return f >= 0 && f == math.Trunc(f) && f < math.MaxUint64 && !zero.OverflowUint(uint64(f))
		}
	case isFloat(typ.Kind()):
		switch {
		case isInt(rv.Kind()), isUint(rv.Kind()):
			return true
		case isFloat(rv.Kind()):
			return !zero.OverflowFloat(rv.Float())
		}
	}
	return false
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
