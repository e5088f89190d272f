// Package server implements the reception loop and worker execution of a
// procfab slave process: one goroutine accepts connections, one goroutine
// per connection reads frames sequentially, and requests fan out into an
// ordered lane (BLOCK/WRAP/DROP/OWN/PERSIST/DETACH/CLOSE, executed and
// replied to in receive order) and an unordered lane (THREAD, dispatched
// the instant it's decoded).
package server

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"procfab/codec"
	"procfab/env"
	"procfab/frame"
	"procfab/handle"
	"procfab/metrics"
	"procfab/middleware"
	"procfab/procid"
	"procfab/wire"
)

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches a metrics.Server whose counters this server updates.
func WithMetrics(m *metrics.Server) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPersistent sets the initial value of the persistent flag (stay up
// with zero clients).
func WithPersistent(v bool) Option {
	return func(s *Server) { s.persistent.Store(v) }
}

// WithAttached sets the initial value of the attached flag (exit the host
// process when the client set empties).
func WithAttached(v bool) Option {
	return func(s *Server) { s.attached.Store(v) }
}

// WithMiddleware appends middleware to the chain wrapping every BLOCK/
// THREAD/WRAP dispatch.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mw...) }
}

// exiter is the process-exit hook, overridable in tests so that
// attached-lifecycle behavior can be verified without killing the test
// binary.
type exiter func(code int)

// Server is a procfab slave: it accepts client connections, decodes
// requests, dispatches them against an env.Environment and a
// handle.Registry, and writes back replies.
type Server struct {
	env      *env.Environment
	registry *handle.Registry

	mu      sync.Mutex
	clients map[*clientConn]struct{}
	wg      sync.WaitGroup

	persistent atomic.Bool
	attached   atomic.Bool
	shutdown   atomic.Bool
	listener   net.Listener

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	logger  *zap.Logger
	metrics *metrics.Server
	exit    exiter
}

// New creates a Server dispatching BLOCK/THREAD/WRAP bodies against e.
func New(e *env.Environment, opts ...Option) *Server {
	s := &Server{
		env:      e,
		registry: handle.NewRegistry(),
		clients:  make(map[*clientConn]struct{}),
		logger:   zap.NewNop(),
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	bindHandleBuiltins(s.env)
	return s
}

// Use registers a middleware, applied in the order added (first added is
// outermost).
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Registry exposes the server's handle registry, for cmd/slave wiring of
// env bindings that themselves need to register values (e.g. a bootstrap
// object graph).
func (s *Server) Registry() *handle.Registry { return s.registry }

// Serve listens on network/address and runs the accept loop until the
// lifecycle rules of spec.md §4.4 end it, or the listener is closed.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Shutdown stops the accept loop and closes the listener. In-flight
// connections are not forcibly closed; they wind down as clients
// disconnect.
func (s *Server) Shutdown() error {
	s.shutdown.Store(true)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

type clientConn struct {
	fc      *frame.Conn
	record  *handle.ClientRecord
	writeMu sync.Mutex
	ordered chan *wire.Request
}

func (s *Server) handleConn(nc net.Conn) {
	fc := frame.New(nc)
	defer fc.Close()

	hello, err := codec.JSON{}.Encode(procid.Local())
	if err != nil {
		s.logger.Error("failed to encode SID handshake", zap.Error(err))
		return
	}
	if err := fc.Send(hello); err != nil {
		s.logger.Warn("failed to send SID handshake", zap.Error(err))
		return
	}

	client := &clientConn{
		fc:      fc,
		record:  s.registry.NewClient(),
		ordered: make(chan *wire.Request, 64),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedPeers.Inc()
	}

	orderedDone := make(chan struct{})
	go func() {
		defer close(orderedDone)
		s.runOrdered(client)
	}()

	s.acceptLoop(client)

	close(client.ordered)
	<-orderedDone

	s.registry.DropAll(client.record)
	s.mu.Lock()
	delete(s.clients, client)
	empty := len(s.clients) == 0
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedPeers.Dec()
	}

	if empty {
		if s.attached.Load() {
			s.exit(1)
			return
		}
		if !s.persistent.Load() {
			s.Shutdown()
		}
	}
}

// acceptLoop reads frames off one connection sequentially, handing BLOCK/
// WRAP/DROP/OWN/PERSIST/DETACH/CLOSE to the ordered lane and dispatching
// THREAD immediately on its own goroutine.
func (s *Server) acceptLoop(client *clientConn) {
	for {
		body, err := client.fc.Recv()
		if err != nil {
			return
		}
		var req wire.Request
		if err := (codec.Envelope{}).Decode(body, &req); err != nil {
			s.logger.Warn("dropping malformed request", zap.Error(err))
			continue
		}

		if req.Op == wire.OpThread {
			s.wg.Add(1)
			go func(req wire.Request) {
				defer s.wg.Done()
				s.handleThread(client, &req)
			}(req)
			continue
		}

		client.ordered <- &req
		if req.Op == wire.OpClose {
			return
		}
	}
}

func (s *Server) handleThread(client *clientConn, req *wire.Request) {
	if s.metrics != nil {
		s.metrics.ActiveWorkers.Inc()
		defer s.metrics.ActiveWorkers.Dec()
	}
	ctx := withClientRecord(context.Background(), client.record)
	reply := s.handler(ctx, req)
	s.writeReply(client, reply)
}

// runOrdered drains the ordered lane in strict FIFO order, guaranteeing
// that BLOCK/WRAP replies are produced in send order and that DROP/OWN are
// observed in-order relative to BLOCK/WRAP from the same client.
func (s *Server) runOrdered(client *clientConn) {
	for req := range client.ordered {
		switch req.Op {
		case wire.OpDrop, wire.OpOwn:
			s.handleRefcountOp(client, req)
		case wire.OpPersist:
			s.persistent.Store(true)
		case wire.OpDetach:
			s.attached.Store(false)
		case wire.OpClose:
			s.writeReply(client, &wire.Reply{TaskID: req.TaskID})
			return
		default: // OpBlock, OpWrap
			ctx := withClientRecord(context.Background(), client.record)
			reply := s.handler(ctx, req)
			s.writeReply(client, reply)
		}
	}
}

func (s *Server) handleRefcountOp(client *clientConn, req *wire.Request) {
	var body wire.DropOwnBody
	if err := (codec.JSON{}).Decode(req.Body, &body); err != nil {
		s.logger.Warn("malformed DROP/OWN body", zap.Error(err))
		return
	}
	switch req.Op {
	case wire.OpDrop:
		s.registry.Drop(client.record, body.Root)
	case wire.OpOwn:
		s.registry.Own(client.record, body.Root)
	}
}

func (s *Server) writeReply(client *clientConn, reply *wire.Reply) {
	if reply == nil {
		return
	}
	encoded, err := (codec.Envelope{}).Encode(reply)
	if err != nil {
		// Last-resort reply per spec.md §4.5: substitute the encoding error
		// for the result and retry once.
		encoded, err = (codec.Envelope{}).Encode(&wire.Reply{
			TaskID: reply.TaskID,
			Failed: true,
			Error:  err.Error(),
		})
		if err != nil {
			s.logger.Error("reply unrecoverably un-encodable", zap.Error(err))
			return
		}
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	if err := client.fc.Send(encoded); err != nil {
		s.logger.Debug("failed to send reply, client likely disconnected", zap.Error(err))
	}
}
