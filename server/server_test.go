package server

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"procfab/codec"
	"procfab/env"
	"procfab/frame"
	"procfab/wire"
)

func newTestEnv() *env.Environment {
	e := env.New()
	e.Set("Add", func(a, b int) int { return a + b })
	e.Set("Boom", func() (int, error) { panic("kaboom") })
	return e
}

func dialTestServer(t *testing.T, srv *Server, network, addr string) *frame.Conn {
	t.Helper()
	go srv.Serve(network, addr)
	time.Sleep(50 * time.Millisecond)

	nc, err := net.Dial(network, addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	fc := frame.New(nc)

	// Drain the SID handshake frame.
	if _, err := fc.Recv(); err != nil {
		t.Fatalf("failed to read SID handshake: %v", err)
	}
	return fc
}

func sendCall(t *testing.T, fc *frame.Conn, taskID uint64, op wire.Opcode, name string, args ...any) {
	t.Helper()
	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			t.Fatalf("marshal arg: %v", err)
		}
		rawArgs[i] = b
	}
	payload := wire.Payload{Kind: wire.PayloadCall, Name: name, Args: rawArgs}
	body, err := (codec.JSON{}).Encode(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	req := &wire.Request{TaskID: taskID, Op: op, Body: body}
	encoded, err := (codec.Envelope{}).Encode(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := fc.Send(encoded); err != nil {
		t.Fatalf("send request: %v", err)
	}
}

func recvReply(t *testing.T, fc *frame.Conn) *wire.Reply {
	t.Helper()
	body, err := fc.Recv()
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	var reply wire.Reply
	if err := (codec.Envelope{}).Decode(body, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return &reply
}

func TestBlockCallSucceeds(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(true))
	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18881")
	defer fc.Close()

	sendCall(t, fc, 1, wire.OpBlock, "Add", 2, 3)
	reply := recvReply(t, fc)
	if reply.Failed {
		t.Fatalf("expected success, got error: %s", reply.Error)
	}
	var result int
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result != 5 {
		t.Fatalf("expected 5, got %d", result)
	}
}

func TestBlockOrderingPreserved(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(true))
	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18882")
	defer fc.Close()

	for i := uint64(1); i <= 5; i++ {
		sendCall(t, fc, i, wire.OpBlock, "Add", int(i), 0)
	}
	for i := uint64(1); i <= 5; i++ {
		reply := recvReply(t, fc)
		if reply.TaskID != i {
			t.Fatalf("expected replies in send order: wanted task %d, got %d", i, reply.TaskID)
		}
	}
}

func TestPanicCapturedAsFailure(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(true))
	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18883")
	defer fc.Close()

	sendCall(t, fc, 1, wire.OpBlock, "Boom")
	reply := recvReply(t, fc)
	if !reply.Failed {
		t.Fatal("expected a failed reply from a panicking handler")
	}
	if reply.Traceback == "" {
		t.Fatal("expected a traceback to be populated")
	}
}

func TestNonPersistentAttachedExitsWhenClientsEmpty(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(false), WithAttached(true))
	exited := make(chan int, 1)
	srv.exit = func(code int) { exited <- code }

	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18885")
	fc.Close()

	select {
	case code := <-exited:
		if code != 1 {
			t.Fatalf("expected exit code 1, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the attached slave to call exit once its only client dropped")
	}
}

func TestPersistentServerStaysUpAfterClientDrops(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(true), WithAttached(false))
	exited := make(chan int, 1)
	srv.exit = func(code int) { exited <- code }

	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18886")
	fc.Close()
	time.Sleep(100 * time.Millisecond)

	select {
	case code := <-exited:
		t.Fatalf("persistent, non-attached server should not exit, got code %d", code)
	default:
	}

	// The server must still accept new connections after the first client
	// dropped.
	fc2, err := net.Dial("tcp", "127.0.0.1:18886")
	if err != nil {
		t.Fatalf("expected server still listening, dial failed: %v", err)
	}
	defer fc2.Close()
}

func TestDropDecrementsRefcountInOrder(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(true))
	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18887")
	defer fc.Close()

	sendCall(t, fc, 1, wire.OpWrap, "Add", 1, 1)
	reply := recvReply(t, fc)
	var root uint64
	if err := json.Unmarshal(reply.Result, &root); err != nil {
		t.Fatalf("unmarshal root: %v", err)
	}
	if got := srv.registry.Refcount(root); got != 1 {
		t.Fatalf("expected refcount 1 after WRAP, got %d", got)
	}

	body, err := (codec.JSON{}).Encode(wire.DropOwnBody{Root: root})
	if err != nil {
		t.Fatalf("encode drop body: %v", err)
	}
	req := &wire.Request{TaskID: 2, Op: wire.OpDrop, Body: body}
	encoded, err := (codec.Envelope{}).Encode(req)
	if err != nil {
		t.Fatalf("encode drop request: %v", err)
	}
	if err := fc.Send(encoded); err != nil {
		t.Fatalf("send drop: %v", err)
	}

	// DROP has no reply; follow it with a BLOCK so its reply's arrival
	// proves the DROP was already processed in order ahead of it.
	sendCall(t, fc, 3, wire.OpBlock, "Add", 2, 2)
	recvReply(t, fc)

	if got := srv.registry.Refcount(root); got != 0 {
		t.Fatalf("expected refcount 0 after DROP, got %d", got)
	}
}

func TestWrapRegistersResultAndOwnsClient(t *testing.T) {
	srv := New(newTestEnv(), WithPersistent(true))
	fc := dialTestServer(t, srv, "tcp", "127.0.0.1:18884")
	defer fc.Close()

	sendCall(t, fc, 1, wire.OpWrap, "Add", 10, 20)
	reply := recvReply(t, fc)
	if reply.Failed {
		t.Fatalf("expected success, got error: %s", reply.Error)
	}
	var root uint64
	if err := json.Unmarshal(reply.Result, &root); err != nil {
		t.Fatalf("unmarshal root: %v", err)
	}
	if got := srv.registry.Refcount(root); got != 1 {
		t.Fatalf("expected refcount 1 after WRAP, got %d", got)
	}
}
