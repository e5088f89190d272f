// Package procid identifies a slave process across a procfab session.
//
// An ID is the Go analogue of the (host, pid) tuple processional computes once
// at import time: stable for the lifetime of the process, sent by a server to
// every new client right after accept, and used to decide whether a remote
// handle decoded on this side refers to a value we own or one living
// elsewhere.
package procid

import (
	"fmt"
	"os"
	"sync"
)

// ID names a process uniquely enough for handle bridging: the hostname plus
// the pid is sufficient, matches spec.md's SID definition, and needs no
// coordination with any other process.
type ID struct {
	Host string
	PID  int
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Host, id.PID)
}

var (
	localOnce sync.Once
	local     ID
)

// Local returns this process's identity, computed once and cached.
func Local() ID {
	localOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		local = ID{Host: host, PID: os.Getpid()}
	})
	return local
}
