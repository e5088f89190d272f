package codec

import (
	"encoding/binary"
	"fmt"

	"procfab/wire"
)

// Envelope is the "full" codec of spec.md §4.2: a compact binary rendering
// of the wire.Request / wire.Reply structs, adapted from the teacher's
// BinaryCodec layout. It delegates the Body/Result payload bytes to JSON
// (they are already codec.JSON-encoded by the caller) and only avoids
// reflection for the envelope's own fixed fields.
//
// Request layout:
//
//	┌────────┬────┬────────────┬─────────┐
//	│taskID 8│op 1│bodyLen 4   │ body    │
//	└────────┴────┴────────────┴─────────┘
//
// Reply layout:
//
//	┌────────┬──────┬─────────┬─────────┬──────────┬──────────────┬───────────┐
//	│taskID 8│failed│errLen 2 │ error   │resultLen4│ result       │tbLen 4│tb │
//	└────────┴──────┴─────────┴─────────┴──────────┴──────────────┴───────────┘
type Envelope struct{}

func (Envelope) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *wire.Request:
		buf := make([]byte, 8+1+4+len(msg.Body))
		binary.BigEndian.PutUint64(buf[0:8], msg.TaskID)
		buf[8] = byte(msg.Op)
		binary.BigEndian.PutUint32(buf[9:13], uint32(len(msg.Body)))
		copy(buf[13:], msg.Body)
		return buf, nil
	case *wire.Reply:
		errBytes := []byte(msg.Error)
		tbBytes := []byte(msg.Traceback)
		total := 8 + 1 + 2 + len(errBytes) + 4 + len(msg.Result) + 4 + len(tbBytes)
		buf := make([]byte, total)
		offset := 0
		binary.BigEndian.PutUint64(buf[offset:offset+8], msg.TaskID)
		offset += 8
		if msg.Failed {
			buf[offset] = 1
		}
		offset++
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(errBytes)))
		offset += 2
		copy(buf[offset:offset+len(errBytes)], errBytes)
		offset += len(errBytes)
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Result)))
		offset += 4
		copy(buf[offset:offset+len(msg.Result)], msg.Result)
		offset += len(msg.Result)
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(tbBytes)))
		offset += 4
		copy(buf[offset:offset+len(tbBytes)], tbBytes)
		return buf, nil
	default:
		return nil, wrapErr("encode", fmt.Errorf("codec.Envelope: unsupported type %T", v))
	}
}

func (Envelope) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *wire.Request:
		if len(data) < 13 {
			return wrapErr("decode", fmt.Errorf("codec.Envelope: request too short (%d bytes)", len(data)))
		}
		msg.TaskID = binary.BigEndian.Uint64(data[0:8])
		msg.Op = wire.Opcode(data[8])
		bodyLen := binary.BigEndian.Uint32(data[9:13])
		if len(data) < int(13+bodyLen) {
			return wrapErr("decode", fmt.Errorf("codec.Envelope: truncated request body"))
		}
		msg.Body = append([]byte(nil), data[13:13+bodyLen]...)
		return nil
	case *wire.Reply:
		if len(data) < 8+1+2 {
			return wrapErr("decode", fmt.Errorf("codec.Envelope: reply too short (%d bytes)", len(data)))
		}
		offset := 0
		msg.TaskID = binary.BigEndian.Uint64(data[offset : offset+8])
		offset += 8
		msg.Failed = data[offset] == 1
		offset++
		errLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if len(data) < offset+errLen+4 {
			return wrapErr("decode", fmt.Errorf("codec.Envelope: truncated reply error"))
		}
		msg.Error = string(data[offset : offset+errLen])
		offset += errLen
		resultLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if len(data) < offset+resultLen+4 {
			return wrapErr("decode", fmt.Errorf("codec.Envelope: truncated reply result"))
		}
		if resultLen > 0 {
			msg.Result = append([]byte(nil), data[offset:offset+resultLen]...)
		}
		offset += resultLen
		tbLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if len(data) < offset+tbLen {
			return wrapErr("decode", fmt.Errorf("codec.Envelope: truncated reply traceback"))
		}
		msg.Traceback = string(data[offset : offset+tbLen])
		return nil
	default:
		return wrapErr("decode", fmt.Errorf("codec.Envelope: unsupported type %T", v))
	}
}
