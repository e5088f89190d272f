// Package handle implements the server-side wrapped-value table of spec.md
// §3/§4.3 (component C3): a process-wide table of registered values, each
// with a global refcount, plus per-client refcounts used to release
// everything a client held when it disconnects.
package handle

import (
	"fmt"
	"reflect"
	"sync"
)

// Kind distinguishes the two address-step shapes of spec.md §3.
type Kind uint8

const (
	Attr Kind = iota
	Item
)

// Step is one element of an Address's tail: an attribute name or an item
// key.
type Step struct {
	Kind Kind
	Attr string `json:",omitempty"`
	Key  any    `json:",omitempty"`
}

// Address is the wire form of a handle: a root id plus an ordered chain of
// attribute/item steps, per spec.md §3. The empty-tail form (len(Steps)==0)
// denotes the wrapped value itself.
type Address struct {
	Root  uint64
	Steps []Step
}

// ErrDanglingReference is raised when dereferencing a root id that is not
// (or no longer) registered.
type ErrDanglingReference struct{ Root uint64 }

func (e *ErrDanglingReference) Error() string {
	return fmt.Sprintf("handle: dangling reference to root %d", e.Root)
}

// ErrBadAddress is raised when an address step is malformed or its lookup
// fails (unknown attribute, out-of-range item, wrong kind).
type ErrBadAddress struct{ Reason string }

func (e *ErrBadAddress) Error() string { return "handle: bad address: " + e.Reason }

type entry struct {
	value     any
	refcount  int64
	identity  uintptr
	hasIdenty bool
}

// ClientRecord tracks one connected client's share of every root it holds a
// reference to, so the registry can release them all on disconnect.
type ClientRecord struct {
	mu     sync.Mutex
	counts map[uint64]int64
}

func newClientRecord() *ClientRecord {
	return &ClientRecord{counts: make(map[uint64]int64)}
}

// Registry is the process-wide handle table (spec.md §4.3 component C3).
// One Registry is created per server.Server and shared by every connection
// goroutine it spawns — mutated only from request-handling code, never
// concurrently with itself in a way that would race, but still guarded
// because multiple connections dispatch into it concurrently.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]*entry)}
}

// NewClient creates a bookkeeping record for a newly accepted connection.
func (r *Registry) NewClient() *ClientRecord {
	return newClientRecord()
}

// identityOf returns a stable identity for v if one exists (pointer, map,
// chan, func, slice-header address) so that registering the same underlying
// value twice shares one entry, per spec.md §3 invariant (c). Plain value
// types (ints, strings, structs passed by value) have no meaningful identity
// in Go the way CPython's id() gives every object one; such values always
// mint a fresh root. This divergence is recorded in DESIGN.md.
func identityOf(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}

// Register returns the root id for v, creating a fresh zero-refcount entry
// if v (by identity) isn't already registered. Matches spec.md §4.3's
// register(value) -> root_id.
func (r *Registry) Register(v any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, has := identityOf(v)
	if has {
		for id, e := range r.entries {
			if e.hasIdenty && e.identity == identity && reflect.TypeOf(e.value) == reflect.TypeOf(v) {
				return id
			}
		}
	}

	r.nextID++
	id := r.nextID
	r.entries[id] = &entry{value: v, identity: identity, hasIdenty: has}
	return id
}

// Own increments both the client's and the global refcount for root.
// Matches spec.md §4.3's own(client, root).
func (r *Registry) Own(client *ClientRecord, root uint64) {
	r.mu.Lock()
	e, ok := r.entries[root]
	if ok {
		e.refcount++
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	client.mu.Lock()
	client.counts[root]++
	client.mu.Unlock()
}

// Drop decrements both refcounts for root, removing the entry once the
// global refcount reaches zero. Matches spec.md §4.3's drop(client, root).
func (r *Registry) Drop(client *ClientRecord, root uint64) {
	client.mu.Lock()
	if client.counts[root] > 0 {
		client.counts[root]--
		if client.counts[root] == 0 {
			delete(client.counts, root)
		}
	}
	client.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[root]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.entries, root)
	}
}

// DropAll releases every reference a disconnecting client held, per
// spec.md §4.4's "on read failure ... decrement its refcounts".
func (r *Registry) DropAll(client *ClientRecord) {
	client.mu.Lock()
	counts := make(map[uint64]int64, len(client.counts))
	for root, n := range client.counts {
		counts[root] = n
	}
	client.counts = make(map[uint64]int64)
	client.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for root, n := range counts {
		e, ok := r.entries[root]
		if !ok {
			continue
		}
		e.refcount -= n
		if e.refcount <= 0 {
			delete(r.entries, root)
		}
	}
}

// Refcount reports the current global refcount for root (0 if absent),
// for tests and diagnostics.
func (r *Registry) Refcount(root uint64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[root]; ok {
		return e.refcount
	}
	return 0
}

// Len reports how many distinct roots are currently registered, for the
// server's RegistrySize gauge.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dereference walks addr against the registry, following attribute/item
// steps with reflect. Matches spec.md §4.3's dereference(address).
func (r *Registry) Dereference(addr Address) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[addr.Root]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrDanglingReference{Root: addr.Root}
	}

	current := reflect.ValueOf(e.value)
	for _, step := range addr.Steps {
		switch step.Kind {
		case Attr:
			holder := current
			current = resolveAttr(current)
			if current.Kind() == reflect.Struct {
				if field := current.FieldByName(step.Attr); field.IsValid() {
					current = field
					continue
				}
			}
			method := holder.MethodByName(step.Attr)
			if !method.IsValid() {
				method = current.MethodByName(step.Attr)
			}
			if !method.IsValid() {
				return nil, &ErrBadAddress{Reason: fmt.Sprintf("no attribute or method %q", step.Attr)}
			}
			current = method
		case Item:
			current = resolveAttr(current)
			switch current.Kind() {
			case reflect.Map:
				key := reflect.ValueOf(step.Key)
				if !key.Type().AssignableTo(current.Type().Key()) {
					converted, err := convertTo(key, current.Type().Key())
					if err != nil {
						return nil, &ErrBadAddress{Reason: err.Error()}
					}
					key = converted
				}
				val := current.MapIndex(key)
				if !val.IsValid() {
					return nil, &ErrBadAddress{Reason: "no such map key"}
				}
				current = val
			case reflect.Slice, reflect.Array:
				idx, err := toInt(step.Key)
				if err != nil {
					return nil, &ErrBadAddress{Reason: err.Error()}
				}
				if idx < 0 || idx >= current.Len() {
					return nil, &ErrBadAddress{Reason: "index out of range"}
				}
				current = current.Index(idx)
			default:
				return nil, &ErrBadAddress{Reason: fmt.Sprintf("cannot index into %s", current.Kind())}
			}
		default:
			return nil, &ErrBadAddress{Reason: "unknown step kind"}
		}
	}
	if !current.CanInterface() {
		return nil, &ErrBadAddress{Reason: "value not accessible"}
	}
	return current.Interface(), nil
}

func resolveAttr(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("key %v is not an integer index", v)
	}
}

func convertTo(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	if v.Type().ConvertibleTo(t) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as map key of type %s", v.Type(), t)
}
