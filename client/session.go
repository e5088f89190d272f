// Package client implements the master side of a procfab connection: a
// Session dials a slave, schedules BLOCK/THREAD/WRAP/DROP/OWN requests, and
// hands back Task handles a caller waits on; Handle wraps a remote
// reference returned by WRAP so attribute/item access and calls can be
// composed without pulling the underlying value across the wire.
package client

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"procfab/codec"
	"procfab/frame"
	"procfab/procid"
	"procfab/wire"
)

// MaxUnpolled is the number of scheduled-but-unpolled requests after which
// Schedule opportunistically drains the receive side rather than letting
// the reply backlog grow without bound, per spec.md §4.6.
const MaxUnpolled = 200

// ErrTimeout is returned by Task.Wait when timeout elapses before a reply
// arrives.
var ErrTimeout = fmt.Errorf("client: task timed out")

// OrphanSink receives a reply whose task id is unknown to this session —
// either it already timed out and was abandoned, or it belongs to a
// connection the session no longer tracks. Defaults to a zap warn log.
type OrphanSink func(taskID uint64, errMsg string, traceback string)

type pendingTask struct {
	mu        sync.Mutex
	done      bool
	err       error
	resultRaw []byte
	traceback string
}

// Session is one client connection to a slave process.
type Session struct {
	conn   *frame.Conn
	sid    procid.ID
	seqNum atomic.Uint64

	pending sync.Map // map[uint64]*pendingTask

	sendMu   sync.Mutex
	recvMu   sync.Mutex
	recvCond *sync.Cond

	unpolled atomic.Int64
	closed   atomic.Bool

	logger     *zap.Logger
	orphanSink OrphanSink
}

// Dial connects to a slave listening on network/address and reads its SID
// handshake frame.
func Dial(network, address string) (*Session, error) {
	nc, err := frameDial(network, address)
	if err != nil {
		return nil, err
	}
	fc := frame.New(nc)

	hello, err := fc.Recv()
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("client: failed to read SID handshake: %w", err)
	}
	var sid procid.ID
	if err := (codec.JSON{}).Decode(hello, &sid); err != nil {
		fc.Close()
		return nil, fmt.Errorf("client: malformed SID handshake: %w", err)
	}

	s := &Session{
		conn:   fc,
		sid:    sid,
		logger: zap.NewNop(),
	}
	s.recvCond = sync.NewCond(&s.recvMu)
	s.orphanSink = func(taskID uint64, errMsg, traceback string) {
		s.logger.Warn("orphaned reply", zap.Uint64("task_id", taskID), zap.String("error", errMsg))
	}

	registerSession(sid, s)
	runtime.AddCleanup(s, func(sid procid.ID) { unregisterSession(sid) }, sid)

	return s, nil
}

// SID reports the process identity of the slave this session is bound to.
func (s *Session) SID() procid.ID { return s.sid }

// SetLogger overrides the default no-op logger.
func (s *Session) SetLogger(logger *zap.Logger) { s.logger = logger }

// SetOrphanSink overrides the default log-and-drop behavior for replies to
// tasks this session no longer tracks.
func (s *Session) SetOrphanSink(sink OrphanSink) { s.orphanSink = sink }

func (s *Session) nextTaskID() uint64 {
	return s.seqNum.Add(1)
}

// Schedule encodes and sends a request carrying payload under op, returning
// a Task the caller can Wait on. The task id is allocated and the request
// encoded before sendMu is taken; only the send itself runs under sendMu.
// After a successful send unpolled is incremented; if it crosses
// MaxUnpolled and recvMu is uncontended, every reply already buffered is
// drained opportunistically.
func (s *Session) Schedule(op wire.Opcode, payload wire.Payload) *Task {
	body, err := (codec.JSON{}).Encode(payload)
	taskID := s.nextTaskID()
	pt := &pendingTask{}
	if err != nil {
		pt.done = true
		pt.err = err
		s.pending.Store(taskID, pt)
		return s.newTask(taskID)
	}
	s.pending.Store(taskID, pt)

	req := &wire.Request{TaskID: taskID, Op: op, Body: body}
	encoded, err := (codec.Envelope{}).Encode(req)
	if err != nil {
		pt.mu.Lock()
		pt.done = true
		pt.err = err
		pt.mu.Unlock()
		return s.newTask(taskID)
	}

	s.sendMu.Lock()
	sendErr := s.conn.Send(encoded)
	s.sendMu.Unlock()
	if sendErr != nil {
		pt.mu.Lock()
		pt.done = true
		pt.err = sendErr
		pt.mu.Unlock()
		return s.newTask(taskID)
	}

	if s.unpolled.Add(1) > MaxUnpolled {
		if s.recvMu.TryLock() {
			s.drainReady()
			s.unpolled.Store(0)
			s.recvMu.Unlock()
		}
	}

	return s.newTask(taskID)
}

// newTask builds the Task handed back to the caller and arms its
// garbage-collection cleanup, so every path out of Schedule — including
// the early encode/send-failure returns — gets the same leak-closing,
// log-unread-error-once behavior.
func (s *Session) newTask(taskID uint64) *Task {
	t := &Task{session: s, id: taskID}
	t.armCleanup()
	return t
}

// reapTask runs when a Task becomes unreachable without Wait ever having
// been called. If the slot filled with an error nobody read, it logs that
// error once; either way it removes the pending-table entry so an
// un-Waited task doesn't leak it forever.
func (s *Session) reapTask(id uint64) {
	v, ok := s.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	pt := v.(*pendingTask)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.done && pt.err != nil {
		s.logger.Warn("task garbage collected with unread error",
			zap.Uint64("task_id", id), zap.Error(pt.err))
	}
}

// drainReady consumes every reply already buffered on the connection
// without blocking for one that hasn't arrived yet. Called with recvMu
// held.
func (s *Session) drainReady() {
	for {
		ready, err := s.conn.Poll(0)
		if err != nil || !ready {
			return
		}
		if err := s.recvOne(); err != nil {
			return
		}
	}
}

// Poll blocks up to timeout for the next reply to arrive and decodes it,
// filling the matching Task's slot and broadcasting recvCond. timeout < 0
// blocks indefinitely; timeout == 0 is non-blocking.
func (s *Session) Poll(timeout time.Duration) (bool, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	ready, err := s.conn.Poll(timeout)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}
	return true, s.recvOne()
}

// recvOne reads exactly one reply frame and routes it. Called with recvMu
// held.
func (s *Session) recvOne() error {
	body, err := s.conn.Recv()
	if err != nil {
		return err
	}
	var reply wire.Reply
	if err := (codec.Envelope{}).Decode(body, &reply); err != nil {
		return err
	}

	v, ok := s.pending.Load(reply.TaskID)
	if !ok {
		if reply.Failed {
			s.orphanSink(reply.TaskID, reply.Error, reply.Traceback)
		}
		return nil
	}
	pt := v.(*pendingTask)
	pt.mu.Lock()
	pt.done = true
	pt.resultRaw = reply.Result
	pt.traceback = reply.Traceback
	if reply.Failed {
		pt.err = &RemoteError{Message: reply.Error, Traceback: reply.Traceback}
	}
	pt.mu.Unlock()
	s.recvCond.Broadcast()
	return nil
}

// RemoteError wraps a failure reported by the slave.
type RemoteError struct {
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string { return e.Message }

// Invoke schedules payload under op and blocks up to timeout for its
// reply, collapsing Schedule+Wait into one call for simple synchronous use.
func (s *Session) Invoke(op wire.Opcode, payload wire.Payload, timeout time.Duration) (any, error) {
	task := s.Schedule(op, payload)
	return task.Wait(timeout)
}

// Call schedules a BLOCK call of fn(args...) and blocks for the result.
func (s *Session) Call(fn string, args ...any) (any, error) {
	payload, err := buildCallPayload(fn, args)
	if err != nil {
		return nil, err
	}
	return s.Invoke(wire.OpBlock, payload, -1)
}

// Thread schedules a THREAD call of fn(args...), returning immediately.
func (s *Session) Thread(fn string, args ...any) (*Task, error) {
	payload, err := buildCallPayload(fn, args)
	if err != nil {
		return nil, err
	}
	return s.Schedule(wire.OpThread, payload), nil
}

// Wrap schedules a WRAP call of fn(args...), blocks for the new root id,
// and returns an owned Handle bound to it.
func (s *Session) Wrap(fn string, args ...any) (*Handle, error) {
	payload, err := buildCallPayload(fn, args)
	if err != nil {
		return nil, err
	}
	result, err := s.Invoke(wire.OpWrap, payload, -1)
	if err != nil {
		return nil, err
	}
	root, ok := asUint64(result)
	if !ok {
		return nil, fmt.Errorf("client: WRAP reply was not a root id: %T", result)
	}
	h := &Handle{session: s, address: addressOf(root), owned: true}
	h.armCleanup()
	return h, nil
}

func buildCallPayload(fn string, args []any) (wire.Payload, error) {
	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		encoded, err := (codec.JSON{}).Encode(marshalArg(a))
		if err != nil {
			return wire.Payload{}, err
		}
		rawArgs[i] = encoded
	}
	return wire.Payload{Kind: wire.PayloadCall, Name: fn, Args: rawArgs}, nil
}

// marshalArg substitutes a Handle's wire form ({sid, address}) so that
// remote references cross the wire as data, never as a live pointer.
func marshalArg(a any) any {
	if h, ok := a.(*Handle); ok {
		return h.wireForm()
	}
	return a
}

func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

// sendControlOp sends a DROP/OWN/PERSIST/DETACH request that the slave
// never replies to. Transport errors are swallowed: the slave may already
// be gone, which is not this caller's problem to report, matching
// spec.md §4.7's drop-on-finalize behavior.
func (s *Session) sendControlOp(op wire.Opcode, body wire.DropOwnBody) {
	if s.closed.Load() {
		return
	}
	encoded, err := (codec.JSON{}).Encode(body)
	if err != nil {
		return
	}
	req := &wire.Request{TaskID: s.nextTaskID(), Op: op, Body: encoded}
	framed, err := (codec.Envelope{}).Encode(req)
	if err != nil {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = s.conn.Send(framed)
}

// Close releases the underlying connection and removes the session from
// the bridge table. It does not fill pending tasks: a later Wait that reads
// the closed connection returns the read error.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	unregisterSession(s.sid)
	return s.conn.Close()
}
