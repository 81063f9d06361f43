package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// maxFrame bounds a single reply; pulled files are the largest payloads.
const maxFrame = 64 << 20

// Instruction is one command sent to an agent daemon.
type Instruction struct {
	Command   string         `json:"command_name"`
	Arguments map[string]any `json:"command_arguments"`
}

// Reply is the agent's answer to an instruction.
type Reply struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// StatusOK is the reply status of a successful instruction.
const StatusOK = "OK"

// Transport delivers an instruction to an agent endpoint and returns its reply.
// A returned *UnreachableError means the agent could not be talked to.
type Transport interface {
	Send(ctx context.Context, endpoint string, instr Instruction) (*Reply, error)
}

// UnreachableError reports a connection-level failure.
type UnreachableError struct {
	Endpoint string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("agent %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// TCPTransport speaks the agent protocol: each message is a JSON document
// preceded by its length as a 4-byte big-endian integer. One connection
// carries one instruction.
type TCPTransport struct {
	DialTimeout time.Duration
	CallTimeout time.Duration
	// Attempts is how many times a timed-out write is retried on the same connection.
	Attempts int
}

// Send dials endpoint, writes instr and reads one reply.
func (t *TCPTransport) Send(ctx context.Context, endpoint string, instr Instruction) (*Reply, error) {
	payload, err := json.Marshal(instr)
	if err != nil {
		return nil, fmt.Errorf("marshaling instruction: %w", err)
	}

	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, &UnreachableError{Endpoint: endpoint, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(t.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	// Unblock reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	attempts := max(t.Attempts, 1)
	for i := 0; ; i++ {
		err = writeFrame(conn, payload)
		if err == nil {
			break
		}
		var ne net.Error
		if i+1 >= attempts || !errors.As(err, &ne) || !ne.Timeout() {
			return nil, &UnreachableError{Endpoint: endpoint, Err: err}
		}
	}

	data, err := readFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{Endpoint: endpoint, Err: err}
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return &Reply{Status: "unprocessable", Error: "agent did not send a JSON response", Result: string(data)}, nil
	}
	if reply.Status == "" {
		return &Reply{Status: "unprocessable", Error: "agent did not send the status of the command", Result: reply.Result}, nil
	}
	return &reply, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame marshals v and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// ReadFrame reads one framed JSON document into v.
func ReadFrame(r io.Reader, v any) error {
	data, err := readFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
