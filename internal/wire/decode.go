package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// DecodeError wraps a frame that could not be parsed. The connection
// stays up; the frame is logged and dropped.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q frame: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode sniffs the op tag of a raw frame and unmarshals it into the
// concrete frame type. Returns one of *Hello, *Ready, *Pong,
// *SyncBatch or *CommandResponse.
func Decode(data []byte) (any, error) {
	op := gjson.GetBytes(data, "op").String()

	var (
		frame any
		err   error
	)
	switch op {
	case OpHello:
		var f Hello
		err = json.Unmarshal(data, &f)
		frame = &f
	case OpReady:
		var f Ready
		err = json.Unmarshal(data, &f)
		frame = &f
	case OpPong:
		var f Pong
		err = json.Unmarshal(data, &f)
		frame = &f
	case OpSync:
		var f SyncBatch
		err = json.Unmarshal(data, &f)
		frame = &f
	case OpResponse:
		var f CommandResponse
		err = json.Unmarshal(data, &f)
		frame = &f
	default:
		return nil, &DecodeError{Op: op, Err: fmt.Errorf("unknown op")}
	}
	if err != nil {
		return nil, &DecodeError{Op: op, Err: err}
	}
	return frame, nil
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
