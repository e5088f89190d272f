package codec

import "encoding/json"

// JSON is the plain codec: it round-trips ordinary Go values (arguments,
// results, the wire.Payload struct) using encoding/json, exactly as the
// teacher's JSONCodec did for RPC argument payloads. Human-readable, easy to
// debug, the natural choice for the values that cross the handle/env
// boundary since they may be almost anything.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, wrapErr("encode", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return wrapErr("decode", err)
	}
	return nil
}
