package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// IPC opcodes. Every message crossing the inter-process channel is one
// Envelope.
const (
	OpReady = iota
	OpClose
	OpReconnecting
	OpRespawnAll
	OpEval
)

// Envelope is the unit of the inter-process protocol. Request distinguishes
// calls from answers; Shard, when set on an eval, targets the worker owning
// that shard.
type Envelope struct {
	Op      int             `json:"op"`
	Data    json.RawMessage `json:"data,omitempty"`
	Request bool            `json:"request"`
	Shard   *int            `json:"shard,omitempty"`
}

// EvalPayload is the body of OpEval envelopes. Requests carry Op/Args/Nonce;
// responses echo the nonce with exactly one of Result, Error or Ignored.
// Remote failures travel as data so broadcast callers can tell "this worker
// errored" from "this worker has no result".
type EvalPayload struct {
	Op      string          `json:"op,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Nonce   string          `json:"nonce"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *EvalError      `json:"error,omitempty"`
	Ignored bool            `json:"ignored,omitempty"`
}

// EvalError is a remote execution failure realized as a value.
type EvalError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack,omitempty"`
}

func (e *EvalError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Codec is the explicit serialize/deserialize boundary of the channel:
// newline-delimited JSON over whatever byte pipe connects the processes. A
// nil error from Send means the envelope was handed to the channel.
type Codec struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(r),
	}
}

func (c *Codec) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("cluster: send failed: %w", err)
	}
	return nil
}

func (c *Codec) Recv() (Envelope, error) {
	var env Envelope
	if err := c.dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func marshalPayload(p EvalPayload) json.RawMessage {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Errorf("cluster: marshal eval payload: %w", err))
	}
	return raw
}
