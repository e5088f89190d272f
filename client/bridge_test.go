package client

import (
	"testing"

	"procfab/handle"
	"procfab/procid"
)

func TestResolveWireLocalUsesRegistry(t *testing.T) {
	reg := handle.NewRegistry()
	root := reg.Register(42)

	v, err := ResolveWire(procid.Local(), handle.Address{Root: root}, reg)
	if err != nil {
		t.Fatalf("ResolveWire failed: %v", err)
	}
	if v.(int) != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestResolveWireNoBridgeForUnknownRemote(t *testing.T) {
	foreign := procid.ID{Host: "otherhost", PID: 99999}
	_, err := ResolveWire(foreign, handle.Address{Root: 1}, nil)
	if err != ErrNoBridge {
		t.Fatalf("expected ErrNoBridge, got %v", err)
	}
}

func TestResolveWireBridgesToOpenSession(t *testing.T) {
	foreign := procid.ID{Host: "otherhost", PID: 12345}
	fakeSession := &Session{sid: foreign}
	registerSession(foreign, fakeSession)
	defer unregisterSession(foreign)

	v, err := ResolveWire(foreign, handle.Address{Root: 7}, nil)
	if err != nil {
		t.Fatalf("ResolveWire failed: %v", err)
	}
	h, ok := v.(*Handle)
	if !ok {
		t.Fatalf("expected *Handle, got %T", v)
	}
	if h.address.Root != 7 || h.owned {
		t.Fatalf("expected a borrowed handle to root 7, got %+v", h)
	}
}
