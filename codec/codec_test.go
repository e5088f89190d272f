package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"procfab/wire"
)

func TestJSONRoundTrip(t *testing.T) {
	original := &wire.Payload{
		Kind: wire.PayloadCall,
		Name: "Arith.Add",
		Args: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)},
	}

	var cdc JSON
	data, err := cdc.Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded wire.Payload
	if err := cdc.Decode(data, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Name != original.Name || decoded.Kind != original.Kind {
		t.Errorf("payload mismatch: got %+v, want %+v", decoded, original)
	}
	if len(decoded.Args) != 2 {
		t.Errorf("expected 2 args, got %d", len(decoded.Args))
	}
}

func TestJSONDecodeError(t *testing.T) {
	var cdc JSON
	var out wire.Payload
	err := cdc.Decode([]byte("not json"), &out)
	if err == nil {
		t.Fatal("expected a decode error")
	}
	var serr *SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SerializationError, got %T: %v", err, err)
	}
}

func TestEnvelopeRequestRoundTrip(t *testing.T) {
	original := &wire.Request{
		TaskID: 42,
		Op:     wire.OpBlock,
		Body:   []byte(`{"Kind":1,"Name":"f","Args":null}`),
	}

	var cdc Envelope
	data, err := cdc.Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded wire.Request
	if err := cdc.Decode(data, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.TaskID != original.TaskID || decoded.Op != original.Op {
		t.Errorf("envelope mismatch: got %+v, want %+v", decoded, original)
	}
	if string(decoded.Body) != string(original.Body) {
		t.Errorf("body mismatch: got %s, want %s", decoded.Body, original.Body)
	}
}

func TestEnvelopeReplyRoundTrip(t *testing.T) {
	original := &wire.Reply{
		TaskID:    7,
		Failed:    true,
		Error:     "boom",
		Traceback: "at line 1",
	}

	var cdc Envelope
	data, err := cdc.Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded wire.Reply
	if err := cdc.Decode(data, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.TaskID != original.TaskID || decoded.Failed != original.Failed {
		t.Errorf("mismatch: got %+v, want %+v", decoded, original)
	}
	if decoded.Error != original.Error || decoded.Traceback != original.Traceback {
		t.Errorf("string fields mismatch: got %+v, want %+v", decoded, original)
	}
}
