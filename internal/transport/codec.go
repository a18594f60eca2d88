package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// rpcRequest is the frame sent by a caller: the RPC name and the
// gob-encoded argument payload.
type rpcRequest struct {
	Name    string
	Payload []byte
}

// rpcResponse is the frame sent back by the callee. Err carries
// transport-level failures (unknown RPC, refused shutdown); domain
// results travel inside Payload.
type rpcResponse struct {
	Err     string
	Payload []byte
}

func encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if v == nil {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
