package cluster

import (
	"encoding/json"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/context"
)

type WorkerState int

const (
	StateStarting WorkerState = iota
	StateRunning
	StateExited
)

// Result is one evaluate outcome. Exactly one of Value, Err or Ignored is
// meaningful: Err carries a realized remote error (or the synthetic
// worker-exited error when aggregated), Ignored means the worker does not own
// the targeted shard, which is not the same as a worker returning null.
type Result struct {
	Cluster int
	Value   json.RawMessage
	Err     error
	Ignored bool
}

// Worker is the manager-side handle of one cluster process. The manager is
// the only mutator of the worker table; workers never talk to each other.
type Worker struct {
	Range ShardRange

	cmd   *exec.Cmd
	codec *Codec
	log   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}

	mu      sync.Mutex
	state   WorkerState
	exit    *ExitStatus
	pending map[string]*pendingEval
}

type pendingEval struct {
	done chan struct{}
	res  Result
	err  error
}

func newWorker(rng ShardRange, codec *Codec, log *slog.Logger) *Worker {
	return &Worker{
		Range:   rng,
		codec:   codec,
		log:     log,
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
		pending: map[string]*pendingEval{},
	}
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Exit returns how the process ended, nil while it lives.
func (w *Worker) Exit() *ExitStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exit
}

func (w *Worker) Owns(shard int) bool {
	return shard >= w.Range.FirstShard && shard <= w.Range.LastShard
}

func (w *Worker) markReady() {
	w.mu.Lock()
	w.state = StateRunning
	w.mu.Unlock()
	w.readyOnce.Do(func() { close(w.ready) })
}

// Eval sends a registered-operation call with a fresh nonce.
func (w *Worker) Eval(ctx context.Context, op string, args any, shard *int) (Result, error) {
	return w.EvalWithNonce(ctx, uuid.NewString(), op, args, shard)
}

// EvalWithNonce registers the pending entry before sending so a response can
// never race past it. Concurrent callers presenting the same nonce share one
// pending result; only the first caller's envelope goes out.
func (w *Worker) EvalWithNonce(ctx context.Context, nonce, op string, args any, shard *int) (Result, error) {
	w.mu.Lock()
	if w.state == StateExited {
		exit := ExitStatus{}
		if w.exit != nil {
			exit = *w.exit
		}
		w.mu.Unlock()
		return Result{}, closedError(w.Range.ClusterID, exit)
	}
	p, exists := w.pending[nonce]
	if !exists {
		p = &pendingEval{done: make(chan struct{})}
		w.pending[nonce] = p
	}
	w.mu.Unlock()

	if !exists {
		raw, err := json.Marshal(args)
		if err != nil {
			w.resolveWith(nonce, Result{}, err)
			return Result{}, err
		}
		env := Envelope{
			Op:      OpEval,
			Request: true,
			Shard:   shard,
			Data:    marshalPayload(EvalPayload{Op: op, Args: raw, Nonce: nonce}),
		}
		if err := w.codec.Send(env); err != nil {
			w.resolveWith(nonce, Result{}, err)
			return Result{}, err
		}
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.done:
		return p.res, p.err
	}
}

// resolve matches a response envelope to its pending nonce.
func (w *Worker) resolve(env Envelope) {
	var p EvalPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		w.log.Warn("bad eval response", "err", err)
		return
	}
	res := Result{Cluster: w.Range.ClusterID}
	switch {
	case p.Ignored:
		res.Ignored = true
	case p.Error != nil:
		res.Err = p.Error
	default:
		res.Value = p.Result
	}
	w.resolveWith(p.Nonce, res, nil)
}

func (w *Worker) resolveWith(nonce string, res Result, err error) {
	w.mu.Lock()
	p, ok := w.pending[nonce]
	if ok {
		delete(w.pending, nonce)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	p.res = res
	p.err = err
	close(p.done)
}

// markExited records the exit and resolves every pending nonce with the
// synthetic worker-closed error so no caller is left hanging.
func (w *Worker) markExited(exit ExitStatus) {
	w.mu.Lock()
	if w.state == StateExited {
		w.mu.Unlock()
		return
	}
	w.state = StateExited
	w.exit = &exit
	stale := w.pending
	w.pending = map[string]*pendingEval{}
	w.mu.Unlock()

	err := closedError(w.Range.ClusterID, exit)
	for _, p := range stale {
		p.err = err
		close(p.done)
	}
	close(w.exited)
	// unblock spawn waiters too
	w.readyOnce.Do(func() { close(w.ready) })
}

// readLoop pumps envelopes off the channel until it closes. Lifecycle
// envelopes are handed to the manager.
func (w *Worker) readLoop(onEnvelope func(Envelope)) {
	for {
		env, err := w.codec.Recv()
		if err != nil {
			return
		}
		switch env.Op {
		case OpReady:
			w.markReady()
		case OpEval:
			if !env.Request {
				w.resolve(env)
			}
		default:
			if onEnvelope != nil {
				onEnvelope(env)
			}
		}
	}
}
