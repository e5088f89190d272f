package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"procfab/codec"
	"procfab/handle"
	"procfab/procid"
	"procfab/wire"
)

type clientRecordKey struct{}

// withClientRecord attaches the requesting client's refcount bookkeeping to
// ctx, so dispatch can auto-OWN a WRAP result without threading a
// *clientConn through the middleware.HandlerFunc signature.
func withClientRecord(ctx context.Context, rec *handle.ClientRecord) context.Context {
	return context.WithValue(ctx, clientRecordKey{}, rec)
}

// dispatch is the business-logic step the middleware chain wraps: decode
// the request body into a wire.Payload, resolve it against the
// environment, and produce the reply. It implements spec.md §4.5's three
// payload shapes (minus the dropped opaque-closure shape — see
// wire.PayloadKind) and captures panics as a failed reply with a
// traceback, mirroring the teacher's "any exception raised ... captured
// together with a traceback" requirement.
func (s *Server) dispatch(ctx context.Context, req *wire.Request) (reply *wire.Reply) {
	reply = &wire.Reply{TaskID: req.TaskID}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			reply = &wire.Reply{
				TaskID:    req.TaskID,
				Failed:    true,
				Error:     fmt.Sprintf("panic: %v", r),
				Traceback: string(debug.Stack()),
			}
		}
		if s.metrics != nil {
			s.metrics.TasksReceived.WithLabelValues(req.Op.String()).Inc()
			if reply.Failed {
				s.metrics.TasksFailed.WithLabelValues(req.Op.String()).Inc()
			}
			s.metrics.TaskDuration.Observe(time.Since(start).Seconds())
			s.metrics.RegistrySize.Set(float64(s.registry.Len()))
		}
	}()

	var payload wire.Payload
	if err := (codec.JSON{}).Decode(req.Body, &payload); err != nil {
		return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: err.Error()}
	}

	var result any
	switch payload.Kind {
	case wire.PayloadLookup:
		v, ok := s.env.Lookup(payload.Name)
		if !ok {
			return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: fmt.Sprintf("%q is not bound", payload.Name)}
		}
		result = v
	case wire.PayloadCall:
		args, err := s.resolveArgs(payload.Args)
		if err != nil {
			return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: err.Error()}
		}
		v, err := s.env.Call(payload.Name, args)
		if err != nil {
			return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: err.Error()}
		}
		result = v
	default:
		return &wire.Reply{TaskID: req.TaskID, Failed: true, Error: "unknown payload kind"}
	}

	if req.Op == wire.OpWrap {
		rec, _ := ctx.Value(clientRecordKey{}).(*handle.ClientRecord)
		root := s.registry.Register(result)
		if rec != nil {
			s.registry.Own(rec, root)
		}
		result = root
	}
	return s.encodeResult(req.TaskID, result)
}

// handleRef is the wire shape a client.Handle marshals to: a local
// reference the receiving side must resolve before the call happens.
type handleRef struct {
	SID     string         `json:"sid"`
	Address handle.Address `json:"address"`
}

// resolveArgs decodes each raw argument, substituting the live value for
// any argument that wire-encodes a handle bound to this process.
func (s *Server) resolveArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, len(raw))
	for i, r := range raw {
		var ref handleRef
		if err := (codec.JSON{}).Decode(r, &ref); err == nil && ref.SID != "" {
			if ref.SID != procid.Local().String() {
				return nil, fmt.Errorf("server: argument handle bound to %s, not this process; bridge it client-side first", ref.SID)
			}
			v, err := s.registry.Dereference(ref.Address)
			if err != nil {
				return nil, err
			}
			args[i] = v
			continue
		}
		var v any
		if err := (codec.JSON{}).Decode(r, &v); err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (s *Server) encodeResult(taskID uint64, v any) *wire.Reply {
	encoded, err := (codec.JSON{}).Encode(v)
	if err != nil {
		return &wire.Reply{TaskID: taskID, Failed: true, Error: err.Error()}
	}
	return &wire.Reply{TaskID: taskID, Result: encoded}
}
