package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/lifecycle"
	"github.com/omssupervisor/singularity/pkg/mergequeue"
	"github.com/omssupervisor/singularity/pkg/pipeline"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/replica"
	"github.com/omssupervisor/singularity/pkg/rpcclient"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/steering"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// fakeAgentScript answers the first line with a session id and an
// immediate agent_end, same shape as pkg/pipeline's and pkg/steering's
// test harnesses.
func fakeAgentScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	script := "#!/bin/sh\nwhile IFS= read -r line; do\n" +
		`  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')` + "\n" +
		"  echo \"{\\\"type\\\":\\\"response\\\",\\\"id\\\":$id,\\\"success\\\":true,\\\"data\\\":{\\\"session_id\\\":\\\"sess-1\\\"}}\"\n" +
		"  echo \"{\\\"type\\\":\\\"agent_end\\\"}\"\n" +
		"done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// fakeMergerScript answers get_last_assistant_text with verdictJSON and
// otherwise behaves like fakeAgentScript.
func fakeMergerScript(t *testing.T, verdictJSON string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-merger.sh")
	script := fmt.Sprintf("#!/bin/sh\nfirst=1\nwhile IFS= read -r line; do\n"+
		`  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')`+"\n"+
		`  cmd=$(echo "$line" | sed -n 's/.*"command":"\([a-z_]*\)".*/\1/p')`+"\n"+
		"  if [ \"$cmd\" = \"get_last_assistant_text\" ]; then\n"+
		"    echo \"{\\\"type\\\":\\\"response\\\",\\\"id\\\":$id,\\\"success\\\":true,\\\"data\\\":%s}\"\n"+
		"  else\n"+
		"    echo \"{\\\"type\\\":\\\"response\\\",\\\"id\\\":$id,\\\"success\\\":true,\\\"data\\\":{\\\"session_id\\\":\\\"sess-1\\\"}}\"\n"+
		"  fi\n"+
		"  if [ \"$first\" = \"1\" ]; then\n"+
		"    echo \"{\\\"type\\\":\\\"agent_end\\\"}\"\n"+
		"    first=0\n"+
		"  fi\n"+
		"done\n", verdictJSON)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type testHarness struct {
	mgr      *Manager
	reg      *registry.Registry
	store    *taskstore.Memory
	repl     *replica.Manager
	queue    *mergequeue.Queue
	spawnerD *spawner.Spawner
}

func newTestHarness(t *testing.T, command string, seed ...*taskstore.Task) *testHarness {
	t.Helper()
	projectRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "main.go"), []byte("package main"), 0o644))

	replicaCfg := config.DefaultReplicaConfig()
	replicaCfg.BaseDir = t.TempDir()
	replicaCfg.PreferOverlay = false
	repl := replica.New(replicaCfg, projectRoot, nil)

	store := taskstore.NewMemory(seed...)
	reg := registry.New(store, nil)
	sp := spawner.New(spawner.Deps{
		Config:   config.DefaultConfig(),
		Registry: reg,
		Replica:  repl,
		Store:    store,
		Command:  command,
	})
	steerMgr := steering.New(reg, sp, config.DefaultSteeringConfig(), nil)
	lc := lifecycle.NewStore(nil, func() int64 { return 1 })
	retry := &config.RetryConfig{IssuerMaxAttempts: 3, SpeedyMaxAttempts: 3}
	pl := pipeline.New(reg, sp, steerMgr, store, lc, retry, nil)
	queue := mergequeue.New()

	cfg := config.DefaultSchedulerConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxWorkers = 4
	timeouts := config.DefaultTimeoutsConfig()
	timeouts.ShutdownGrace = 200 * time.Millisecond
	timeouts.AgentEndMerger = 2 * time.Second

	mgr := New(reg, repl, sp, steerMgr, pl, queue, store, cfg, timeouts, nil)
	return &testHarness{mgr: mgr, reg: reg, store: store, repl: repl, queue: queue, spawnerD: sp}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func startedClient(t *testing.T, command string) *rpcclient.Client {
	t.Helper()
	c := rpcclient.New(rpcclient.Config{Command: command, SendTimeout: 2 * time.Second}, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.ForceKill() })
	return c
}

func TestManager_AvailableWorkerSlots(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	assert.Equal(t, 4, h.mgr.availableWorkerSlots())

	h.reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})
	assert.Equal(t, 3, h.mgr.availableWorkerSlots())

	h.mgr.pipeline.KickoffNewTaskPipeline(context.Background(), &taskstore.Task{ID: "T2", Status: taskstore.StatusOpen, Scope: taskstore.ScopeSmall})
	assert.LessOrEqual(t, h.mgr.availableWorkerSlots(), 3)
}

func TestManager_KickResumeCandidates_SkipsTransitioning(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress, Scope: taskstore.ScopeSmall})
	h.mgr.setTransitioning("T1", true)

	kicked := h.mgr.kickResumeCandidates(context.Background(), 5)
	assert.Equal(t, 0, kicked)

	h.mgr.setTransitioning("T1", false)
	kicked = h.mgr.kickResumeCandidates(context.Background(), 5)
	assert.Equal(t, 1, kicked)
}

func TestManager_KickResumeCandidates_SkipsPipelineInFlight(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress, Scope: taskstore.ScopeSmall})

	release := h.mgr.pipeline.ReserveInFlight("T1")
	kicked := h.mgr.kickResumeCandidates(context.Background(), 5)
	assert.Equal(t, 0, kicked, "a task already driving a pipeline must not be resume-kicked a second time")

	release()
	kicked = h.mgr.kickResumeCandidates(context.Background(), 5)
	assert.Equal(t, 1, kicked)
}

func TestManager_StartTasks_ClampsToAvailableSlots(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t),
		&taskstore.Task{ID: "T1", Status: taskstore.StatusOpen, Scope: taskstore.ScopeSmall},
		&taskstore.Task{ID: "T2", Status: taskstore.StatusOpen, Scope: taskstore.ScopeSmall},
	)
	h.mgr.cfg.MaxWorkers = 1

	started := h.mgr.StartTasks(context.Background(), 5)
	assert.Equal(t, 1, started)
}

func TestManager_Tick_SingleFlightCoalescesWake(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress, Scope: taskstore.ScopeSmall})

	h.mgr.tickMu.Lock()
	h.mgr.tickInFlight = true
	h.mgr.tickMu.Unlock()

	h.mgr.tick(context.Background())

	h.mgr.tickMu.Lock()
	pending := h.mgr.pendingWake
	h.mgr.tickMu.Unlock()
	assert.True(t, pending, "tick arriving while one is in flight should set pendingWake")

	h.mgr.tickMu.Lock()
	h.mgr.tickInFlight = false
	h.mgr.tickMu.Unlock()
}

func TestManager_PauseSkipsTick(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusOpen, Scope: taskstore.ScopeSmall})
	h.mgr.Pause()
	h.mgr.tick(context.Background())
	assert.Equal(t, 0, h.mgr.pipeline.PipelineInFlightDistinctTasks())
}

func TestManager_StartStop_Idempotent(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t))
	ctx := context.Background()
	h.mgr.Start(ctx)
	h.mgr.Start(ctx)
	h.mgr.Stop(ctx)
	h.mgr.Stop(ctx)
}

func TestManager_ProcessMergerQueue_EmptyQueueIsNoop(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t))
	h.mgr.processMergerQueue(context.Background())
	assert.Equal(t, 0, h.queue.Size())
}

func TestManager_ProcessMergerQueue_NonInProgressTaskDropsEntry(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusClosed})
	h.queue.Enqueue(mergequeue.Entry{TaskID: "T1"})

	h.mgr.processMergerQueue(context.Background())
	assert.False(t, h.queue.HasTask("T1"))
}

func TestManager_ProcessMergerQueue_MissingReplicaClosesTask(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	h.queue.Enqueue(mergequeue.Entry{TaskID: "T1"})

	h.mgr.processMergerQueue(context.Background())

	task, err := h.store.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusClosed, task.Status)
}

func TestManager_ProcessMergerQueue_SpawnsMergerAndHandlesComplete(t *testing.T) {
	h := newTestHarness(t, fakeMergerScript(t, `{"action":"complete","reason":"merged clean"}`), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	_, err := h.repl.CreateReplica(context.Background(), "T1")
	require.NoError(t, err)
	h.queue.Enqueue(mergequeue.Entry{TaskID: "T1"})

	h.mgr.processMergerQueue(context.Background())

	waitFor(t, func() bool {
		task, err := h.store.Get(context.Background(), "T1")
		return err == nil && task.Status == taskstore.StatusClosed
	})
	assert.False(t, h.repl.ReplicaExists("T1"))
}

func TestManager_ProcessMergerQueue_SpawnsMergerAndHandlesConflict(t *testing.T) {
	h := newTestHarness(t, fakeMergerScript(t, `{"action":"conflict","reason":"overlapping edits"}`), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	_, err := h.repl.CreateReplica(context.Background(), "T1")
	require.NoError(t, err)
	h.queue.Enqueue(mergequeue.Entry{TaskID: "T1"})

	h.mgr.processMergerQueue(context.Background())

	waitFor(t, func() bool {
		task, err := h.store.Get(context.Background(), "T1")
		return err == nil && task.Status == taskstore.StatusBlocked
	})
	assert.True(t, h.repl.ReplicaExists("T1"), "conflict leaves the replica for human resolution")
}

func TestManager_RestoreMergerQueueFromReplicas(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t),
		&taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress},
		&taskstore.Task{ID: "T2", Status: taskstore.StatusClosed},
	)
	_, err := h.repl.CreateReplica(context.Background(), "T1")
	require.NoError(t, err)
	_, err = h.repl.CreateReplica(context.Background(), "T2")
	require.NoError(t, err)

	h.mgr.restoreMergerQueueFromReplicas(context.Background())

	assert.True(t, h.queue.HasTask("T1"))
	assert.False(t, h.queue.HasTask("T2"), "a closed task's orphaned replica is destroyed, not enqueued")
	assert.False(t, h.repl.ReplicaExists("T2"))

	entry, ok := h.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, h.repl.ReplicaDir("T1"), entry.ReplicaDir, "restored entries must carry their replica path")
}

func TestManager_HandleFinisherCloseTask_EnqueuesWhenReplicaExists(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	_, err := h.repl.CreateReplica(context.Background(), "T1")
	require.NoError(t, err)

	queued := h.mgr.handleFinisherCloseTask(context.Background(), "T1", "done")
	assert.True(t, queued)
	assert.True(t, h.queue.HasTask("T1"))

	entry, ok := h.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, h.repl.ReplicaDir("T1"), entry.ReplicaDir, "enqueued entry must carry its replica path so the merger can resolve its cwd")
}

func TestManager_HandleFinisherCloseTask_ClosesDirectlyWithoutReplica(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})

	queued := h.mgr.handleFinisherCloseTask(context.Background(), "T1", "done")
	assert.False(t, queued)

	task, err := h.store.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusClosed, task.Status)
}

func TestManager_UnblockDependents_SkippedWhenPaused(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t),
		&taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress},
		&taskstore.Task{ID: "T2", Status: taskstore.StatusBlocked, DependsOnIDs: []string{"T1"}},
	)
	h.mgr.Pause()
	h.mgr.unblockDependents(context.Background(), "T1")

	task, err := h.store.Get(context.Background(), "T2")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusBlocked, task.Status)
}

func TestManager_UnblockDependents_ReopensAndKicks(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t),
		&taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress},
		&taskstore.Task{ID: "T2", Status: taskstore.StatusBlocked, Scope: taskstore.ScopeSmall, DependsOnIDs: []string{"T1"}},
	)
	h.mgr.unblockDependents(context.Background(), "T1")

	waitFor(t, func() bool {
		task, err := h.store.Get(context.Background(), "T2")
		return err == nil && task.Status != taskstore.StatusBlocked
	})
}

func TestManager_StopAgentsForTask_MarksStoppedAndBlocksTask(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	h.reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})

	stopped := h.mgr.StopAgentsForTask(context.Background(), "T1", false)
	require.Len(t, stopped, 1)
	assert.Equal(t, registry.StatusStopped, stopped[0].Status)

	task, err := h.store.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusBlocked, task.Status)
	assert.Contains(t, h.store.Comments("T1"), blockedByStopComment)
}

func TestManager_StopAgentsForTask_ExcludesFinisherUnlessIncluded(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	h.reg.Register(&registry.Record{ID: "finisher:T1", Type: config.AgentTypeFinisher, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})

	stopped := h.mgr.StopAgentsForTask(context.Background(), "T1", false)
	assert.Len(t, stopped, 0)

	stopped = h.mgr.StopAgentsForTask(context.Background(), "T1", true)
	assert.Len(t, stopped, 1)
}

func TestManager_StopAgentByID(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	h.reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})

	assert.True(t, h.mgr.StopAgentByID(context.Background(), "worker:T1"))
	assert.False(t, h.mgr.StopAgentByID(context.Background(), "nonexistent"))
}

func TestManager_StopAllAgentsAndPause(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t),
		&taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress},
		&taskstore.Task{ID: "T2", Status: taskstore.StatusInProgress},
	)
	h.reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})
	h.reg.Register(&registry.Record{ID: "worker:T2", Type: config.AgentTypeWorker, TaskID: "T2", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})

	stopped := h.mgr.StopAllAgentsAndPause(context.Background())
	assert.Len(t, stopped, 2)

	h.mgr.mu.Lock()
	paused := h.mgr.paused
	h.mgr.mu.Unlock()
	assert.True(t, paused)
}

func TestManager_WaitForAgent(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	h.reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})

	_, err := h.mgr.WaitForAgent(context.Background(), "worker:T1", time.Second)
	require.NoError(t, err)

	_, err = h.mgr.WaitForAgent(context.Background(), "nonexistent", time.Second)
	require.Error(t, err)
}

func TestManager_SpawnAgentBySingularity_UnblocksStopsAndSpawnsWorker(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusBlocked, Scope: taskstore.ScopeSmall})
	h.reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t, fakeAgentScript(t))})

	err := h.mgr.SpawnAgentBySingularity(context.Background(), config.AgentTypeWorker, "T1", "try again")
	require.NoError(t, err)

	waitFor(t, func() bool {
		for _, rec := range h.reg.GetActiveByTask("T1") {
			if rec.Type == config.AgentTypeWorker && rec.ID != "worker:T1" {
				return true
			}
		}
		return false
	})
}

func TestManager_SpawnAgentBySingularity_RejectsDuplicateInFlight(t *testing.T) {
	h := newTestHarness(t, fakeAgentScript(t), &taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress})
	h.mgr.setTransitioning(fmt.Sprintf("%s:%s", config.AgentTypeWorker, "T1"), true)

	err := h.mgr.SpawnAgentBySingularity(context.Background(), config.AgentTypeWorker, "T1", "")
	require.Error(t, err)
}
