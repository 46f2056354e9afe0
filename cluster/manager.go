package cluster

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/logger/dlog"
)

// ShardRange is one cluster's contiguous slice of the shard space.
type ShardRange struct {
	ClusterID   int
	TotalShards int
	FirstShard  int
	LastShard   int
	ShardCount  int
}

// Partition splits totalShards contiguously across clusters. Leading clusters
// absorb the remainder so counts differ by at most one.
func Partition(totalShards, clusters int) ([]ShardRange, error) {
	if totalShards <= 0 || clusters <= 0 || clusters > totalShards {
		return nil, ErrInvalidPlan
	}
	base := totalShards / clusters
	extra := totalShards % clusters
	plan := make([]ShardRange, 0, clusters)
	next := 0
	for i := 0; i < clusters; i++ {
		count := base
		if i < extra {
			count++
		}
		plan = append(plan, ShardRange{
			ClusterID:   i,
			TotalShards: totalShards,
			FirstShard:  next,
			LastShard:   next + count - 1,
			ShardCount:  count,
		})
		next += count
	}
	return plan, nil
}

type config struct {
	binary       string
	args         []string
	extraEnv     []string
	spawnTimeout time.Duration
	respawn      bool
	log          *slog.Logger
	onExit       func(w *Worker, exit ExitStatus)
}

// Option configures the Manager.
type Option func(*config) error

// WithBinary sets the worker executable and its arguments. Defaults to
// re-executing the current binary.
func WithBinary(path string, args ...string) Option {
	return func(c *config) error {
		if path == "" {
			return fmt.Errorf("%w: empty worker binary", ErrInvalidPlan)
		}
		c.binary = path
		c.args = args
		return nil
	}
}

// WithWorkerEnv appends extra KEY=VALUE pairs to every worker's environment.
func WithWorkerEnv(env ...string) Option {
	return func(c *config) error {
		c.extraEnv = append(c.extraEnv, env...)
		return nil
	}
}

// WithSpawnTimeout bounds the wait for a worker's ready announcement. Zero
// waits forever.
func WithSpawnTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.spawnTimeout = d
		return nil
	}
}

// WithRespawn re-spawns workers that exit unexpectedly.
func WithRespawn(enabled bool) Option {
	return func(c *config) error {
		c.respawn = enabled
		return nil
	}
}

// WithLogger overrides the dlog default.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) error {
		c.log = log
		return nil
	}
}

// WithOnWorkerExit installs a lifecycle notification callback.
func WithOnWorkerExit(fn func(w *Worker, exit ExitStatus)) Option {
	return func(c *config) error {
		c.onExit = fn
		return nil
	}
}

// Manager owns the partition plan and supervises one process per cluster.
type Manager struct {
	cfg  config
	plan []ShardRange
	log  *slog.Logger

	mu      sync.Mutex
	workers []*Worker
	closed  bool
}

func New(totalShards, clusters int, opts ...Option) (*Manager, error) {
	plan, err := Partition(totalShards, clusters)
	if err != nil {
		return nil, err
	}
	cfg := config{}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cluster: resolve executable: %w", err)
		}
		cfg.binary = self
	}
	if cfg.log == nil {
		dlog.Setup()
		cfg.log = dlog.Log
	}
	return &Manager{
		cfg:     cfg,
		plan:    plan,
		log:     cfg.log,
		workers: make([]*Worker, clusters),
	}, nil
}

// Plan returns the partition, in cluster order.
func (m *Manager) Plan() []ShardRange {
	return append([]ShardRange(nil), m.plan...)
}

// Start spawns every worker in partition order.
func (m *Manager) Start(ctx context.Context) error {
	for i := range m.plan {
		if err := m.spawnAt(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) spawnAt(ctx context.Context, index int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.mu.Unlock()

	rng := m.plan[index]
	cmd := exec.Command(m.cfg.binary, m.cfg.args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CLUSTER_ID=%d", rng.ClusterID),
		fmt.Sprintf("CLUSTER_COUNT=%d", len(m.plan)),
		fmt.Sprintf("TOTAL_SHARDS=%d", rng.TotalShards),
		fmt.Sprintf("SHARD_COUNT=%d", rng.ShardCount),
		fmt.Sprintf("FIRST_SHARD=%d", rng.FirstShard),
		fmt.Sprintf("LAST_SHARD=%d", rng.LastShard),
	)
	cmd.Env = append(cmd.Env, m.cfg.extraEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("cluster: pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cluster: pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	w := newWorker(rng, NewCodec(stdout, stdin), m.log.With("cluster", rng.ClusterID))
	w.cmd = cmd

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cluster: spawn cluster %d: %w", rng.ClusterID, err)
	}
	m.log.Info("spawned worker", "cluster", rng.ClusterID, "firstShard", rng.FirstShard, "lastShard", rng.LastShard, "pid", cmd.Process.Pid)

	m.mu.Lock()
	m.workers[index] = w
	m.mu.Unlock()

	go w.readLoop(func(env Envelope) { m.handleLifecycle(w, env) })
	go m.waitExit(index, w)

	return m.awaitReady(ctx, w)
}

func (m *Manager) awaitReady(ctx context.Context, w *Worker) error {
	var timeout <-chan time.Time
	if m.cfg.spawnTimeout > 0 {
		t := time.NewTimer(m.cfg.spawnTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.ready:
		if w.State() == StateExited {
			exit := ExitStatus{}
			if e := w.Exit(); e != nil {
				exit = *e
			}
			return closedError(w.Range.ClusterID, exit)
		}
		return nil
	case <-timeout:
		_ = w.cmd.Process.Kill()
		return fmt.Errorf("%w: cluster %d", ErrSpawnTimeout, w.Range.ClusterID)
	case <-ctx.Done():
		_ = w.cmd.Process.Kill()
		return ctx.Err()
	}
}

func (m *Manager) waitExit(index int, w *Worker) {
	err := w.cmd.Wait()
	exit := ExitStatus{}
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exit.Code = exitErr.ExitCode()
			if ws, sig := signalOf(exitErr); ws {
				exit.Signal = sig
			}
		} else {
			exit.Code = -1
		}
	}
	w.markExited(exit)
	m.log.Warn("worker exited", "cluster", w.Range.ClusterID, "exit", exit.String())
	if m.cfg.onExit != nil {
		m.cfg.onExit(w, exit)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || !m.cfg.respawn {
		return
	}
	if err := m.spawnAt(context.Background(), index); err != nil {
		m.log.Error("respawn failed", "cluster", w.Range.ClusterID, "err", err)
	}
}

func (m *Manager) handleLifecycle(w *Worker, env Envelope) {
	switch env.Op {
	case OpClose:
		m.log.Warn("worker connection closed", "cluster", w.Range.ClusterID)
	case OpReconnecting:
		m.log.Info("worker reconnecting", "cluster", w.Range.ClusterID)
	case OpRespawnAll:
		m.log.Info("worker requested full respawn", "cluster", w.Range.ClusterID)
		go func() {
			if err := m.RespawnAll(context.Background()); err != nil {
				m.log.Error("respawn all failed", "err", err)
			}
		}()
	}
}

// workerFor returns the live worker owning a shard, per the plan.
func (m *Manager) workerFor(shard int) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w != nil && w.Owns(shard) {
			return w, true
		}
	}
	return nil, false
}

// EvalAt runs a registered operation on the worker owning the shard. The
// worker double-checks ownership and answers ignored when it disagrees.
func (m *Manager) EvalAt(ctx context.Context, shard int, op string, args any) (Result, error) {
	w, ok := m.workerFor(shard)
	if !ok {
		return Result{}, ErrNoWorker
	}
	return w.Eval(ctx, op, args, &shard)
}

// BroadcastEval sends the same operation to every live worker and collects
// exactly one outcome per worker, in partition order. A worker whose remote
// code failed contributes a realized error value; a worker that never
// answered contributes the synthetic worker-closed error for its slot.
func (m *Manager) BroadcastEval(ctx context.Context, op string, args any) []Result {
	m.mu.Lock()
	workers := append([]*Worker(nil), m.workers...)
	m.mu.Unlock()

	results := make([]Result, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		results[i].Cluster = i
		if w == nil {
			results[i].Err = ErrNoWorker
			continue
		}
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			res, err := w.Eval(ctx, op, args, nil)
			if err != nil {
				results[i] = Result{Cluster: w.Range.ClusterID, Err: err}
				return
			}
			results[i] = res
		}(i, w)
	}
	wg.Wait()
	return results
}

// RespawnAll performs a rolling respawn across the plan, one worker at a
// time.
func (m *Manager) RespawnAll(ctx context.Context) error {
	for i := range m.plan {
		m.mu.Lock()
		w := m.workers[i]
		m.mu.Unlock()
		if w != nil && w.State() != StateExited && w.cmd != nil {
			_ = w.cmd.Process.Kill()
			select {
			case <-w.exited:
			case <-ctx.Done():
				return ctx.Err()
			}
			if m.cfg.respawn {
				// waitExit already respawns this slot
				continue
			}
		}
		if err := m.spawnAt(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// Close stops supervision and kills every worker.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	workers := append([]*Worker(nil), m.workers...)
	m.mu.Unlock()
	for _, w := range workers {
		if w != nil && w.cmd != nil && w.State() != StateExited {
			_ = w.cmd.Process.Kill()
		}
	}
}
