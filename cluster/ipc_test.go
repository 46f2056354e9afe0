package cluster

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

// pipeWorker wires a Worker handle and a Node together over in-memory pipes,
// exactly as stdio connects them across the process boundary.
func pipeWorker(t *testing.T, rng ShardRange) (*Worker, *Node, context.CancelFunc) {
	t.Helper()
	managerIn, nodeOut := io.Pipe()
	nodeIn, managerOut := io.Pipe()

	w := newWorker(rng, NewCodec(managerIn, managerOut), slog.Default())
	n := &Node{
		env: Env{
			ClusterID:  rng.ClusterID,
			FirstShard: rng.FirstShard,
			LastShard:  rng.LastShard,
		},
		codec: NewCodec(nodeIn, nodeOut),
		log:   slog.Default(),
		ops:   map[string]OpFunc{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.readLoop(nil)
	go func() { _ = n.Serve(ctx) }()

	select {
	case <-w.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}
	return w, n, func() {
		cancel()
		_ = nodeOut.Close()
		_ = managerOut.Close()
	}
}

func TestEvalRoundTrip(t *testing.T) {
	w, n, stop := pipeWorker(t, ShardRange{ClusterID: 0, FirstShard: 0, LastShard: 1})
	defer stop()

	n.Register("sum", func(_ context.Context, args json.RawMessage) (any, error) {
		var in []int
		require.NoError(t, json.Unmarshal(args, &in))
		total := 0
		for _, v := range in {
			total += v
		}
		return total, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := w.Eval(ctx, "sum", []int{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.JSONEq(t, `6`, string(res.Value))
}

func TestEvalNullResultIsNotIgnored(t *testing.T) {
	w, n, stop := pipeWorker(t, ShardRange{})
	defer stop()

	n.Register("nothing", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := w.Eval(ctx, "nothing", nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Ignored, "null is an answer, ignored is the absence of one")
	assert.JSONEq(t, `null`, string(res.Value))
}

func TestEvalWrongShardIgnored(t *testing.T) {
	w, _, stop := pipeWorker(t, ShardRange{ClusterID: 0, FirstShard: 0, LastShard: 1})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shard := 5
	res, err := w.Eval(ctx, "anything", nil, &shard)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.NoError(t, res.Err)
}

func TestEvalRemoteErrorAsData(t *testing.T) {
	w, n, stop := pipeWorker(t, ShardRange{})
	defer stop()

	n.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("it broke")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := w.Eval(ctx, "boom", nil, nil)
	require.NoError(t, err, "remote failure is data, not a transport error")
	require.Error(t, res.Err)

	var evalErr *EvalError
	require.ErrorAs(t, res.Err, &evalErr)
	assert.Equal(t, "Panic", evalErr.Name)
	assert.Contains(t, evalErr.Message, "it broke")
	assert.NotEmpty(t, evalErr.Stack)
}

func TestEvalUnknownOp(t *testing.T) {
	w, _, stop := pipeWorker(t, ShardRange{})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := w.Eval(ctx, "never-registered", nil, nil)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "never-registered")
}

func TestEvalSameNonceShared(t *testing.T) {
	w, n, stop := pipeWorker(t, ShardRange{})
	defer stop()

	calls := make(chan struct{}, 4)
	release := make(chan struct{})
	n.Register("slow", func(context.Context, json.RawMessage) (any, error) {
		calls <- struct{}{}
		<-release
		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := w.EvalWithNonce(ctx, "nonce-1", "slow", nil, nil)
			results <- outcome{res, err}
		}()
	}

	// exactly one envelope crosses the pipe
	<-calls
	select {
	case <-calls:
		t.Fatal("second call for the same nonce must not reach the worker")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.JSONEq(t, `"done"`, string(out.res.Value))
	}
}

func TestWorkerExitFailsPending(t *testing.T) {
	w, n, stop := pipeWorker(t, ShardRange{ClusterID: 3})
	defer stop()

	n.Register("hang", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := w.Eval(ctx, "hang", nil, nil)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	w.markExited(ExitStatus{Signal: "killed"})

	err := <-errs
	require.ErrorIs(t, err, ErrWorkerClosed)
	assert.Contains(t, err.Error(), "cluster 3")
	assert.Contains(t, err.Error(), "killed")

	// calls after exit fail immediately
	_, err = w.Eval(context.Background(), "hang", nil, nil)
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestNodeLifecycleNotifications(t *testing.T) {
	managerIn, nodeOut := io.Pipe()
	nodeIn, managerOut := io.Pipe()

	w := newWorker(ShardRange{}, NewCodec(managerIn, managerOut), slog.Default())
	n := &Node{
		codec: NewCodec(nodeIn, nodeOut),
		log:   slog.Default(),
		ops:   map[string]OpFunc{},
	}

	lifecycle := make(chan Envelope, 4)
	go w.readLoop(func(env Envelope) { lifecycle <- env })

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Serve(ctx) }()
	defer func() {
		cancel()
		_ = nodeOut.Close()
		_ = managerOut.Close()
	}()

	select {
	case <-w.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}

	require.NoError(t, n.NotifyReconnecting())
	require.NoError(t, n.NotifyClosed())

	for _, want := range []int{OpReconnecting, OpClose} {
		select {
		case env := <-lifecycle:
			assert.Equal(t, want, env.Op)
		case <-time.After(2 * time.Second):
			t.Fatalf("lifecycle envelope %d never arrived", want)
		}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	r, ww := io.Pipe()
	codec := NewCodec(r, ww)

	go func() {
		shard := 3
		_ = codec.Send(Envelope{Op: OpEval, Request: true, Shard: &shard, Data: json.RawMessage(`{"nonce": "n"}`)})
	}()

	env, err := codec.Recv()
	require.NoError(t, err)
	assert.Equal(t, OpEval, env.Op)
	assert.True(t, env.Request)
	require.NotNil(t, env.Shard)
	assert.Equal(t, 3, *env.Shard)
}
