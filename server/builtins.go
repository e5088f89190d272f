package server

import (
	"fmt"
	"reflect"

	"procfab/env"
)

// bindHandleBuiltins registers the server-side primitives client.Handle's
// Call/SetAttr/SetItem/DelAttr/DelItem/Unwrap compose into PayloadCall
// requests. They take the already-dereferenced target value as their
// first argument (resolveArgs substitutes it for the wire handleRef before
// env.Call ever sees it) and operate on it with reflect, the Go stand-in
// for spec.md §9's languages-without-attribute-interception primitives.
func bindHandleBuiltins(e *env.Environment) {
	e.Set("__handle_call__", func(target any, args ...any) (any, error) {
		return env.CallValue(target, args)
	})
	e.Set("__handle_setattr__", func(target any, name string, value any) error {
		return setField(target, name, value)
	})
	e.Set("__handle_delattr__", func(target any, name string) error {
		return setField(target, name, reflect.Zero(fieldType(target, name)).Interface())
	})
	e.Set("__handle_unwrap__", func(target any) (any, error) {
		return target, nil
	})
	e.Set("__handle_setitem__", func(target any, key, value any) error {
		return setItem(target, key, value)
	})
	e.Set("__handle_delitem__", func(target any, key any) error {
		return deleteItem(target, key)
	})
}

func fieldType(target any, name string) reflect.Type {
	v := reflect.Indirect(reflect.ValueOf(target))
	if v.Kind() != reflect.Struct {
		return reflect.TypeOf((*any)(nil)).Elem()
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return reflect.TypeOf((*any)(nil)).Elem()
	}
	return f.Type()
}

func setField(target any, name string, value any) error {
	v := reflect.Indirect(reflect.ValueOf(target))
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("server: cannot set attribute on %s", v.Kind())
	}
	f := v.FieldByName(name)
	if !f.IsValid() || !f.CanSet() {
		return fmt.Errorf("server: no settable attribute %q", name)
	}
	rv := reflect.ValueOf(value)
	if !rv.Type().AssignableTo(f.Type()) {
		if !rv.Type().ConvertibleTo(f.Type()) {
			return fmt.Errorf("server: cannot assign %T to attribute %q of type %s", value, name, f.Type())
		}
		rv = rv.Convert(f.Type())
	}
	f.Set(rv)
	return nil
}

func setItem(target any, key, value any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Map {
		return fmt.Errorf("server: cannot set item on %s", v.Kind())
	}
	kv := reflect.ValueOf(key)
	if !kv.Type().AssignableTo(v.Type().Key()) {
		if !kv.Type().ConvertibleTo(v.Type().Key()) {
			return fmt.Errorf("server: key %T not assignable to map key type %s", key, v.Type().Key())
		}
		kv = kv.Convert(v.Type().Key())
	}
	vv := reflect.ValueOf(value)
	if !vv.Type().AssignableTo(v.Type().Elem()) {
		if !vv.Type().ConvertibleTo(v.Type().Elem()) {
			return fmt.Errorf("server: value %T not assignable to map value type %s", value, v.Type().Elem())
		}
		vv = vv.Convert(v.Type().Elem())
	}
	v.SetMapIndex(kv, vv)
	return nil
}

func deleteItem(target any, key any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Map {
		return fmt.Errorf("server: cannot delete item on %s", v.Kind())
	}
	kv := reflect.ValueOf(key)
	if !kv.Type().AssignableTo(v.Type().Key()) {
		if !kv.Type().ConvertibleTo(v.Type().Key()) {
			return fmt.Errorf("server: key %T not assignable to map key type %s", key, v.Type().Key())
		}
		kv = kv.Convert(v.Type().Key())
	}
	v.SetMapIndex(kv, reflect.Value{})
	return nil
}
