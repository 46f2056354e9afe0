package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/logger/dlog"
)

// Env is the partition slot handed to a worker by its manager.
type Env struct {
	ClusterID    int
	ClusterCount int
	TotalShards  int
	ShardCount   int
	FirstShard   int
	LastShard    int
}

func (e Env) owns(shard int) bool {
	return shard >= e.FirstShard && shard <= e.LastShard
}

// LoadEnv reads the partition slot from the process environment. A .env file
// is merged in first when present.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()
	var e Env
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"CLUSTER_ID", &e.ClusterID},
		{"CLUSTER_COUNT", &e.ClusterCount},
		{"TOTAL_SHARDS", &e.TotalShards},
		{"SHARD_COUNT", &e.ShardCount},
		{"FIRST_SHARD", &e.FirstShard},
		{"LAST_SHARD", &e.LastShard},
	} {
		raw, ok := os.LookupEnv(f.key)
		if !ok {
			return Env{}, fmt.Errorf("%w: missing %s", ErrInvalidPlan, f.key)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Env{}, fmt.Errorf("%w: bad %s=%q", ErrInvalidPlan, f.key, raw)
		}
		*f.dst = v
	}
	return e, nil
}

// OpFunc executes one registered operation. The returned value is serialized
// back to the manager; a returned error travels as data, not as a transport
// failure.
type OpFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Node is the worker-side endpoint of the manager pipe.
type Node struct {
	env   Env
	codec *Codec
	log   *slog.Logger

	mu  sync.RWMutex
	ops map[string]OpFunc
}

// NewNode builds a node speaking over the process stdio pipe. Stdout belongs
// to the protocol, so console logging moves to stderr.
func NewNode(env Env) *Node {
	dlog.UseStderr()
	dlog.Setup()
	return &Node{
		env:   env,
		codec: NewCodec(os.Stdin, os.Stdout),
		log:   dlog.Log.With("cluster", env.ClusterID),
		ops:   map[string]OpFunc{},
	}
}

func (n *Node) Env() Env { return n.env }

// Register installs a named operation. Later registrations replace earlier
// ones.
func (n *Node) Register(op string, fn OpFunc) {
	n.mu.Lock()
	n.ops[op] = fn
	n.mu.Unlock()
}

func (n *Node) lookup(op string) (OpFunc, bool) {
	n.mu.RLock()
	fn, ok := n.ops[op]
	n.mu.RUnlock()
	return fn, ok
}

// NotifyReconnecting tells the manager the worker's upstream connection is
// being re-established.
func (n *Node) NotifyReconnecting() error {
	return n.codec.Send(Envelope{Op: OpReconnecting})
}

// NotifyClosed tells the manager the worker's upstream connection closed.
func (n *Node) NotifyClosed() error {
	return n.codec.Send(Envelope{Op: OpClose})
}

// RequestRespawnAll asks the manager for a rolling respawn of every cluster.
func (n *Node) RequestRespawnAll() error {
	return n.codec.Send(Envelope{Op: OpRespawnAll, Request: true})
}

// Serve announces readiness and answers manager envelopes until the pipe
// closes, the manager sends a close, or ctx ends.
func (n *Node) Serve(ctx context.Context) error {
	if err := n.codec.Send(Envelope{Op: OpReady}); err != nil {
		return err
	}
	n.log.Info("worker ready", "firstShard", n.env.FirstShard, "lastShard", n.env.LastShard)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, err := n.codec.Recv()
		if err != nil {
			return err
		}
		switch env.Op {
		case OpClose:
			n.log.Info("manager closed the pipe")
			return nil
		case OpEval:
			if !env.Request {
				continue
			}
			n.serveEval(ctx, env)
		}
	}
}

func (n *Node) serveEval(ctx context.Context, env Envelope) {
	var p EvalPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		n.log.Error("malformed eval request", "err", err)
		return
	}
	// Targeted evals carry the shard; answer ignored when the plan the
	// manager routed by disagrees with this worker's slot.
	if env.Shard != nil && !n.env.owns(*env.Shard) {
		n.reply(EvalPayload{Nonce: p.Nonce, Ignored: true})
		return
	}
	fn, ok := n.lookup(p.Op)
	if !ok {
		n.reply(EvalPayload{Nonce: p.Nonce, Error: &EvalError{
			Name:    "UnknownOperation",
			Message: fmt.Sprintf("%s: %q", ErrUnknownOp.Error(), p.Op),
		}})
		return
	}
	go n.runOp(ctx, fn, p)
}

func (n *Node) runOp(ctx context.Context, fn OpFunc, p EvalPayload) {
	defer func() {
		if r := recover(); r != nil {
			n.reply(EvalPayload{Nonce: p.Nonce, Error: &EvalError{
				Name:    "Panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}})
		}
	}()
	value, err := fn(ctx, p.Args)
	if err != nil {
		n.reply(EvalPayload{Nonce: p.Nonce, Error: &EvalError{
			Name:    "OperationError",
			Message: err.Error(),
		}})
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		n.reply(EvalPayload{Nonce: p.Nonce, Error: &EvalError{
			Name:    "MarshalError",
			Message: err.Error(),
		}})
		return
	}
	n.reply(EvalPayload{Nonce: p.Nonce, Result: raw})
}

func (n *Node) reply(p EvalPayload) {
	if err := n.codec.Send(Envelope{Op: OpEval, Data: marshalPayload(p)}); err != nil {
		n.log.Error("eval reply failed", "nonce", p.Nonce, "err", err)
	}
}
