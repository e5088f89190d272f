// Package wire defines the data carried inside a procfab frame: the request
// and reply envelopes of spec.md §6, and the three-opcode-family payload
// shapes of spec.md §4.5.
package wire

import "encoding/json"

// Opcode is one of the eight request opcodes from spec.md §4.4.
type Opcode uint8

const (
	OpClose Opcode = iota
	OpBlock
	OpThread
	OpWrap
	OpDrop
	OpOwn
	OpPersist
	OpDetach
)

func (op Opcode) String() string {
	switch op {
	case OpClose:
		return "CLOSE"
	case OpBlock:
		return "BLOCK"
	case OpThread:
		return "THREAD"
	case OpWrap:
		return "WRAP"
	case OpDrop:
		return "DROP"
	case OpOwn:
		return "OWN"
	case OpPersist:
		return "PERSIST"
	case OpDetach:
		return "DETACH"
	default:
		return "UNKNOWN"
	}
}

// Request is the envelope a client sends and a server decodes, corresponding
// to spec.md §6's "Request frame payload" tuple (task_id, opcode, body).
type Request struct {
	TaskID uint64
	Op     Opcode
	Body   []byte // opcode-dependent, codec.JSON-encoded
}

// Reply is the envelope a server sends back, corresponding to spec.md §6's
// "Reply frame payload" tuple (task_id, error, result, traceback). Exactly
// one of Error/Result is populated when Failed is false vs true.
type Reply struct {
	TaskID    uint64
	Failed    bool
	Error     string
	Result    []byte // codec.JSON-encoded, nil if Failed
	Traceback string
}

// PayloadKind distinguishes the BLOCK/THREAD/WRAP body shapes of spec.md
// §4.5. Shape 3 (an opaque encoded zero-arg callable) is dropped — see
// DESIGN.md — since Go has no runtime closure serialisation to decode it
// with; every call is expressed as a named function plus arguments.
type PayloadKind uint8

const (
	// PayloadLookup resolves Name in the server's environment and returns
	// the looked-up value, unevaluated.
	PayloadLookup PayloadKind = iota
	// PayloadCall invokes the named function with Args.
	PayloadCall
)

// Payload is the BLOCK/THREAD/WRAP request body, codec.JSON-encoded into
// Request.Body.
type Payload struct {
	Kind PayloadKind
	Name string
	Args []json.RawMessage
}

// DropOwnBody is the DROP/OWN request body: a registered root id.
type DropOwnBody struct {
	Root uint64
}
