package process

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// WorkRequest is the JSON payload sent from host to worker over the worker's stdin.
type WorkRequest struct {
	RunID  string          `json:"run_id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WorkResponse is the outcome of one WorkRequest. A non-empty Error means the
// action returned an error; the worker itself is still healthy.
type WorkResponse struct {
	Output []byte `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Worker→host message types.
const (
	MsgTypeReady  = "ready"
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// WorkerMessage is the envelope for all worker→host messages over stdout.
// The worker sends one "ready" message after start-up. While a request runs it
// sends log lines with Type="log", then exactly one Type="result" message.
type WorkerMessage struct {
	Type     string        `json:"type"`
	PID      int           `json:"pid,omitempty"`
	Line     string        `json:"line,omitempty"`
	Response *WorkResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Prefix and payload go out in a single write so concurrent writers
	// serialised by a mutex never interleave partial frames.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
// It returns an error wrapping io.EOF when r ends cleanly before a frame.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
