// Package env implements the name-lookup table that PayloadLookup and
// PayloadCall resolve against: the Go analogue of the module globals a
// Python slave process exposes to its master, generalised from the
// teacher's reflection-based method dispatch to free-standing values and
// functions.
package env

import (
	"fmt"
	"reflect"
	"sync"
)

// Environment is a process-wide, concurrency-safe name table. One
// Environment is normally shared by every connection a server accepts.
type Environment struct {
	mu   sync.RWMutex
	vars map[string]any
}

// New creates an empty Environment.
func New() *Environment {
	return &Environment{vars: make(map[string]any)}
}

// Set binds name to v, replacing any existing binding.
func (e *Environment) Set(name string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[name] = v
}

// Lookup resolves name, returning ok=false if unbound.
func (e *Environment) Lookup(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Call resolves name, requires it to be a func value, and invokes it with
// args. The calling convention mirrors the teacher's service.Call: the
// function's last return value may be an error, in which case it is
// returned separately and not included in result; otherwise every return
// value collapses into result (nil, a bare value, or a []any of them).
func (e *Environment) Call(name string, args []any) (result any, err error) {
	v, ok := e.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("env: %q is not bound", name)
	}
	return CallValue(v, args)
}

// CallValue invokes fn directly (bypassing name lookup) using the same
// calling convention as Call. Used both by Call itself and by the
// server's built-in handle primitives, which already have the target
// function value in hand (a dereferenced remote-handle argument) rather
// than a name to look up.
func CallValue(fn any, args []any) (result any, err error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("env: value is not callable (got %s)", fv.Kind())
	}
	fnType := fv.Type()

	if fnType.IsVariadic() {
		if len(args) < fnType.NumIn()-1 {
			return nil, fmt.Errorf("env: expects at least %d args, got %d", fnType.NumIn()-1, len(args))
		}
	} else if len(args) != fnType.NumIn() {
		return nil, fmt.Errorf("env: expects %d args, got %d", fnType.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		paramIdx := i
		if fnType.IsVariadic() && paramIdx >= fnType.NumIn()-1 {
			paramIdx = fnType.NumIn() - 1
		}
		want := fnType.In(paramIdx)
		if fnType.IsVariadic() && paramIdx == fnType.NumIn()-1 {
			want = want.Elem()
		}
		converted, cerr := coerce(a, want)
		if cerr != nil {
			return nil, fmt.Errorf("env: argument %d: %w", i, cerr)
		}
		in[i] = converted
	}

	out := fv.Call(in)
	return splitResults(out)
}

// coerce adapts a decoded JSON value (string, float64, bool, []any,
// map[string]any, nil) to the target reflect.Type, matching the teacher's
// practice of decoding request bodies generically before dispatch.
func coerce(v any, want reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(want), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(want) {
		switch want.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
			return rv.Convert(want), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, want)
}

func splitResults(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}

	last := out[len(out)-1]
	if last.Type() == errorType {
		var callErr error
		if !last.IsNil() {
			callErr = last.Interface().(error)
		}
		vals := out[:len(out)-1]
		return collapse(vals), callErr
	}
	return collapse(out), nil
}

func collapse(vals []reflect.Value) any {
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return vals[0].Interface()
	default:
		results := make([]any, len(vals))
		for i, v := range vals {
			results[i] = v.Interface()
		}
		return results
	}
}
