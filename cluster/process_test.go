package cluster

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

var (
	buildOnce sync.Once
	buildErr  error
	workerBin string
)

// buildWorkerBin compiles the real cluster binary once per test run so the
// spawn path is exercised against an actual process, stdio pipes included.
func buildWorkerBin(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		gomod, err := exec.Command("go", "env", "GOMOD").Output()
		if err != nil {
			buildErr = err
			return
		}
		modRoot := filepath.Dir(strings.TrimSpace(string(gomod)))

		dir, err := os.MkdirTemp("", "cluster-worker")
		if err != nil {
			buildErr = err
			return
		}
		workerBin = filepath.Join(dir, "cluster")
		build := exec.Command("go", "build", "-o", workerBin, "./cmd/cluster/main")
		build.Dir = modRoot
		if out, err := build.CombinedOutput(); err != nil {
			buildErr = err
			t.Logf("build output: %s", out)
		}
	})
	require.NoError(t, buildErr)
	return workerBin
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSpawnedWorkerEvalRoundTrip(t *testing.T) {
	bin := buildWorkerBin(t)

	m, err := New(2, 1,
		WithBinary(bin),
		WithSpawnTimeout(20*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	// log lines the worker emits after its ready announcement must not
	// corrupt the envelope stream
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := m.BroadcastEval(ctx, "cacheStats", nil)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Contains(t, string(results[0].Value), "guilds")
}

func TestSpawnTimeoutKillsWorker(t *testing.T) {
	// a process that never announces ready
	m, err := New(1, 1,
		WithBinary("/bin/sleep", "30"),
		WithSpawnTimeout(300*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	err = m.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawnTimeout)
}

func TestWorkerExitCaptureAndRespawn(t *testing.T) {
	bin := buildWorkerBin(t)

	exits := make(chan ExitStatus, 4)
	m, err := New(1, 1,
		WithBinary(bin),
		WithSpawnTimeout(20*time.Second),
		WithRespawn(true),
		WithOnWorkerExit(func(_ *Worker, exit ExitStatus) { exits <- exit }),
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	m.mu.Lock()
	first := m.workers[0]
	m.mu.Unlock()
	require.NoError(t, first.cmd.Process.Kill())

	select {
	case exit := <-exits:
		assert.Contains(t, exit.String(), "killed")
	case <-time.After(10 * time.Second):
		t.Fatal("worker exit never reported")
	}

	// supervision replaces the worker and evals flow again
	waitUntil(t, func() bool {
		m.mu.Lock()
		w := m.workers[0]
		m.mu.Unlock()
		return w != first && w != nil && w.State() == StateRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := m.BroadcastEval(ctx, "cacheStats", nil)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}
