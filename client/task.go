package client

import (
	"runtime"
	"time"

	"procfab/codec"
)

// Task is a handle to one scheduled request's eventual reply.
type Task struct {
	session *Session
	id      uint64
}

// armCleanup registers a finalizer that reaps this task's pending-table
// entry once the Task becomes unreachable without ever being Waited on,
// mirroring spec.md's requirement that a task whose slot filled with an
// error nobody read still reports that error exactly once (the Go
// equivalent of the teacher's/Python's ProcessTask.__del__), and closing
// the leak a never-Waited task would otherwise leave in Session.pending.
func (t *Task) armCleanup() {
	session := t.session
	id := t.id
	runtime.AddCleanup(t, func(id uint64) {
		session.reapTask(id)
	}, id)
}

// Available reports whether a reply for this task has already been
// received, without blocking.
func (t *Task) Available() bool {
	v, ok := t.session.pending.Load(t.id)
	if !ok {
		return true
	}
	pt := v.(*pendingTask)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.done
}

// Wait blocks until the reply arrives or timeout elapses (timeout < 0
// blocks indefinitely). Whichever Task.Wait call gets there first becomes
// the connection's reader (taking recvMu and polling the socket); any
// other concurrently waiting Task blocks on the session's recvCond until
// the reader's next broadcast. Returns the decoded result, or the
// *RemoteError the slave reported.
func (t *Task) Wait(timeout time.Duration) (any, error) {
	v, ok := t.session.pending.Load(t.id)
	if !ok {
		return nil, nil
	}
	pt := v.(*pendingTask)
	s := t.session

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() { s.recvCond.Broadcast() })
		defer timer.Stop()
	}

	for {
		pt.mu.Lock()
		done := pt.done
		pt.mu.Unlock()
		if done {
			break
		}

		if s.recvMu.TryLock() {
			remaining := time.Duration(-1)
			if timeout >= 0 {
				remaining = time.Until(deadline)
				if remaining <= 0 {
					s.recvMu.Unlock()
					return nil, ErrTimeout
				}
			}
			ready, err := s.conn.Poll(remaining)
			if err != nil {
				s.recvMu.Unlock()
				return nil, err
			}
			if ready {
				if rerr := s.recvOne(); rerr != nil {
					s.recvMu.Unlock()
					return nil, rerr
				}
				s.recvCond.Broadcast()
			}
			s.recvMu.Unlock()
			continue
		}

		s.recvMu.Lock()
		if timeout >= 0 && time.Now().After(deadline) {
			s.recvMu.Unlock()
			return nil, ErrTimeout
		}
		s.recvCond.Wait()
		s.recvMu.Unlock()
	}

	pt.mu.Lock()
	result, err := decodePending(pt)
	pt.mu.Unlock()
	t.session.pending.Delete(t.id)
	return result, err
}

func decodePending(pt *pendingTask) (any, error) {
	if pt.err != nil {
		return nil, pt.err
	}
	if len(pt.resultRaw) == 0 {
		return nil, nil
	}
	var v any
	if err := (codec.JSON{}).Decode(pt.resultRaw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
