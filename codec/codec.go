// Package codec is procfab's serialisation boundary.
//
// Two codecs are provided, mirroring the teacher's JSON/Binary split from
// spec.md §4.2: codec.JSON is the "plain" codec that round-trips ordinary
// argument and result values, and codec.Envelope is the "full" codec that
// wraps a wire.Request/wire.Reply in a compact binary outer frame so the
// hot dispatch path (task id, opcode) never pays JSON reflection cost. Both
// report failures as *SerializationError, wrapping the underlying cause, so
// callers can errors.As for the one error kind spec.md §7 names.
package codec

import (
	"github.com/pkg/errors"
)

// SerializationError wraps a codec failure with the underlying cause,
// corresponding to spec.md §7's SerializationError kind.
type SerializationError struct {
	Op    string // "encode" or "decode"
	Cause error
}

func (e *SerializationError) Error() string {
	return "codec: " + e.Op + ": " + e.Cause.Error()
}

func (e *SerializationError) Unwrap() error { return e.Cause }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SerializationError{Op: op, Cause: errors.WithStack(err)}
}

// Codec is the interface shared by both implementations.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}
