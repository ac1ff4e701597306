package detector

import (
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundry-works/drover/cmd/cmdtest"
	"github.com/foundry-works/drover/config"
	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/orchestrator"
	"github.com/foundry-works/drover/registry"
)

// fakePool records the calls the loop makes against the orchestrator.
type fakePool struct {
	active   int
	started  int
	stopped  bool
	workers  []orchestrator.WorkerStatus
	assigned map[string]string
	prompts  map[string]string
}

func newFakePool() *fakePool {
	return &fakePool{
		assigned: map[string]string{},
		prompts:  map[string]string{},
	}
}

func (p *fakePool) Start(n int) int {
	p.started += n
	p.active += n
	return n
}

func (p *fakePool) Stop() { p.stopped = true }

func (p *fakePool) ActiveCount() int { return p.active }

func (p *fakePool) Workers() []orchestrator.WorkerStatus { return p.workers }

func (p *fakePool) AssignChunk(workerID, chunkID string) error {
	p.assigned[workerID] = chunkID
	return nil
}

func (p *fakePool) SendPrompt(workerID, text string) error {
	p.prompts[workerID] = text
	return nil
}

func testLoopConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AutoScale = true
	cfg.AutoShutdown = true
	return cfg
}

func newTestLoop(t *testing.T, cfg *config.Config, probeOutput string) (*Loop, *fakePool, *distributor.Distributor) {
	t.Helper()
	dir := t.TempDir()
	coord := coordination.New(registry.New(dir))
	dist := distributor.New(dir, coord, distributor.DefaultOptions())

	det := New(testProfile("probe"), dir)
	det.SetExecutor(cmdtest.MockCmdExec{
		CombinedOutputFunc: func(c *exec.Cmd) ([]byte, error) {
			return []byte(probeOutput), nil
		},
	})

	pool := newFakePool()
	return NewLoop(cfg, det, dist, pool), pool, dist
}

func TestCycleNoProblemsStartsNothing(t *testing.T) {
	cfg := testLoopConfig()
	cfg.AutoShutdown = false

	loop, pool, dist := newTestLoop(t, cfg, "all clean\n")

	halt := loop.Cycle()
	require.False(t, halt)
	require.Equal(t, 0, pool.started)
	require.False(t, pool.stopped)

	stats, err := dist.Statistics()
	require.NoError(t, err)
	require.False(t, stats.HasWork())
}

func TestCycleEmptyBacklogAutoShutdownHaltsLoop(t *testing.T) {
	loop, pool, _ := newTestLoop(t, testLoopConfig(), "all clean\n")

	halt := loop.Cycle()
	require.True(t, halt)
	require.True(t, pool.stopped)
	require.Equal(t, 0, pool.started)
}

func TestCycleScalesTowardSuggestion(t *testing.T) {
	// 237 problem lines with maxAgents=50 suggest 10 workers.
	var b strings.Builder
	for i := 0; i < 237; i++ {
		fmt.Fprintf(&b, "pkg/f%d.go:1: error: broken thing %d\n", i, i)
	}

	cfg := testLoopConfig()
	cfg.MaxAgents = 50
	loop, pool, dist := newTestLoop(t, cfg, b.String())

	halt := loop.Cycle()
	require.False(t, halt)
	require.Equal(t, 10, pool.started)
	require.False(t, pool.stopped)

	stats, err := dist.Statistics()
	require.NoError(t, err)
	require.Equal(t, 237, stats.Total)
}

func TestCycleScaleRespectsMaxAgents(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 237; i++ {
		fmt.Fprintf(&b, "error number %d\n", i)
	}

	cfg := testLoopConfig()
	cfg.MaxAgents = 4
	loop, pool, _ := newTestLoop(t, cfg, b.String())

	loop.Cycle()
	require.Equal(t, 4, pool.started)
}

func TestCycleDistributesChunksToIdleWorkers(t *testing.T) {
	cfg := testLoopConfig()
	cfg.AutoScale = false

	loop, pool, dist := newTestLoop(t, cfg,
		"a.go:1: error: one\nb.go:1: error: two\nc.go:1: error: three\n")

	pool.active = 2
	pool.workers = []orchestrator.WorkerStatus{
		{ID: "w1", Name: "worker-1", State: orchestrator.StateReady},
		{ID: "w2", Name: "worker-2", State: orchestrator.StateWorking},
		{ID: "w3", Name: "worker-3", State: orchestrator.StateIdle},
	}

	halt := loop.Cycle()
	require.False(t, halt)

	// Only the ready and idle workers got chunks; the prompt carries the
	// rendered item list.
	require.Contains(t, pool.assigned, "w1")
	require.Contains(t, pool.assigned, "w3")
	require.NotContains(t, pool.assigned, "w2")
	require.Contains(t, pool.prompts["w1"], "Fix these:")
	require.Contains(t, pool.prompts["w1"], "item_id:")

	stats, err := dist.Statistics()
	require.NoError(t, err)
	require.Equal(t, stats.Total, stats.Pending+stats.Assigned)
	require.Greater(t, stats.Assigned, 0)
}

func TestCycleSkipsDistributionWithNoActiveWorkers(t *testing.T) {
	cfg := testLoopConfig()
	cfg.AutoScale = false

	loop, pool, _ := newTestLoop(t, cfg, "x.go:1: error: broken\n")
	halt := loop.Cycle()
	require.False(t, halt)
	require.Empty(t, pool.assigned)
}
