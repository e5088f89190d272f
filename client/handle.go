package client

import (
	"runtime"

	"procfab/handle"
	"procfab/wire"
)

// Handle is a client-side reference to a value living in a slave's
// handle.Registry. Attr/Item compose addresses without any round trip;
// Call/Unwrap/SetAttr/... are the explicit getAttr/getItem/call/setAttr/
// setItem/drop/unwrap primitives spec.md §9 calls for in place of dynamic
// attribute interception, which Go has no way to hook.
type Handle struct {
	session *Session
	address handle.Address
	owned   bool
}

type wireHandle struct {
	SID     string         `json:"sid"`
	Address handle.Address `json:"address"`
}

func (h *Handle) wireForm() wireHandle {
	return wireHandle{SID: h.session.SID().String(), Address: h.address}
}

func addressOf(root uint64) handle.Address {
	return handle.Address{Root: root}
}

// Attr returns a borrowed Handle addressing an attribute of h's value.
// Shares h's root lifetime — it does not itself schedule an OWN.
func (h *Handle) Attr(name string) *Handle {
	return h.step(handle.Step{Kind: handle.Attr, Attr: name})
}

// Item returns a borrowed Handle addressing an item of h's value.
func (h *Handle) Item(key any) *Handle {
	return h.step(handle.Step{Kind: handle.Item, Key: key})
}

func (h *Handle) step(s handle.Step) *Handle {
	steps := make([]handle.Step, len(h.address.Steps)+1)
	copy(steps, h.address.Steps)
	steps[len(h.address.Steps)] = s
	return &Handle{session: h.session, address: handle.Address{Root: h.address.Root, Steps: steps}, owned: false}
}

// Call invokes h's addressed value as a callable, BLOCK-ing on the slave
// and blocking the caller for the result.
func (h *Handle) Call(args ...any) (any, error) {
	payload, err := h.callPayload(args)
	if err != nil {
		return nil, err
	}
	return h.session.Invoke(wire.OpBlock, payload, -1)
}

func (h *Handle) callPayload(args []any) (wire.Payload, error) {
	rawArgs := make([]any, len(args)+1)
	rawArgs[0] = h.wireForm()
	copy(rawArgs[1:], args)
	return buildCallPayload("__handle_call__", rawArgs)
}

// SetAttr sets an attribute on the remote value.
func (h *Handle) SetAttr(name string, value any) error {
	_, err := h.session.Call("__handle_setattr__", h.wireForm(), name, value)
	return err
}

// SetItem sets an item on the remote value.
func (h *Handle) SetItem(key, value any) error {
	_, err := h.session.Call("__handle_setitem__", h.wireForm(), key, value)
	return err
}

// DelAttr resets an attribute of the remote value to its type's zero value.
func (h *Handle) DelAttr(name string) error {
	_, err := h.session.Call("__handle_delattr__", h.wireForm(), name)
	return err
}

// DelItem deletes an item on the remote value.
func (h *Handle) DelItem(key any) error {
	_, err := h.session.Call("__handle_delitem__", h.wireForm(), key)
	return err
}

// Unwrap pulls the addressed value back across the wire as data.
func (h *Handle) Unwrap() (any, error) {
	return h.session.Call("__handle_unwrap__", h.wireForm())
}

// Own schedules an explicit OWN for this handle's root, turning a borrowed
// reference into one this Handle keeps alive. Not idempotent: each call
// sends another OWN, incrementing the server-side refcount again, and arms
// another cleanup that sends one DROP once the Handle is unreachable.
func (h *Handle) Own() {
	body := wire.DropOwnBody{Root: h.address.Root}
	h.session.sendControlOp(wire.OpOwn, body)
	h.owned = true
	h.armCleanup()
}

// armCleanup registers a finalizer that schedules DROP for this handle's
// root once it becomes unreachable, mirroring spec.md §4.7's "__del__
// sends DROP, swallowing transport errors — the server may already be
// gone." Only owned handles schedule a drop; borrowed ones share another
// owner's lifetime.
func (h *Handle) armCleanup() {
	root := h.address.Root
	session := h.session
	runtime.AddCleanup(h, func(root uint64) {
		session.sendControlOp(wire.OpDrop, wire.DropOwnBody{Root: root})
	}, root)
}
