package client

import (
	"fmt"
	"sync"

	"procfab/handle"
	"procfab/procid"
)

// sessionsBySID is the process-wide table letting a Handle decoded from
// another connection be bridged to an already-open Session to the same
// slave, approximating Python's SlaveProcess.instances weak-value
// dictionary (spec.md §4.7, §8 scenario 5). Go has no true weak reference;
// entries are removed explicitly by Session.Close. The runtime.AddCleanup
// registered in Dial runs only once the Session is unreachable, which this
// table prevents while the entry is present.
var sessionsBySID sync.Map // map[procid.ID]*Session

// ErrNoBridge is returned when a Handle wire-decoded on this process names
// a slave this process has no open Session to, and is not this process's
// own handle registry either.
var ErrNoBridge = fmt.Errorf("client: no session bridges to that process")

func registerSession(sid procid.ID, s *Session) {
	sessionsBySID.Store(sid, s)
}

func unregisterSession(sid procid.ID) {
	sessionsBySID.Delete(sid)
}

// lookupSession returns the live Session bridging to sid, if any process on
// this side has one open.
func lookupSession(sid procid.ID) (*Session, bool) {
	v, ok := sessionsBySID.Load(sid)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// ResolveWire resolves a handleRef decoded from the wire: if sid is this
// process's own identity, it dereferences directly against localRegistry;
// otherwise it looks for an existing Session to sid and returns a borrowed
// Handle bound to it.
func ResolveWire(sid procid.ID, addr handle.Address, localRegistry *handle.Registry) (any, error) {
	if sid == procid.Local() {
		if localRegistry == nil {
			return nil, ErrNoBridge
		}
		return localRegistry.Dereference(addr)
	}
	session, ok := lookupSession(sid)
	if !ok {
		return nil, ErrNoBridge
	}
	return &Handle{session: session, address: addr, owned: false}, nil
}
