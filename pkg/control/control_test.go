package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

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
	"github.com/omssupervisor/singularity/pkg/supervisor"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

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

func testSupervisor(t *testing.T) (*supervisor.Manager, *registry.Registry) {
	t.Helper()
	projectRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "main.go"), []byte("package main"), 0o644))

	replicaCfg := config.DefaultReplicaConfig()
	replicaCfg.BaseDir = t.TempDir()
	replicaCfg.PreferOverlay = false
	repl := replica.New(replicaCfg, projectRoot, nil)

	store := taskstore.NewMemory(&taskstore.Task{ID: "T1", Status: taskstore.StatusInProgress, Scope: taskstore.ScopeSmall})
	reg := registry.New(store, nil)
	sp := spawner.New(spawner.Deps{
		Config:   config.DefaultConfig(),
		Registry: reg,
		Replica:  repl,
		Store:    store,
		Command:  fakeAgentScript(t),
	})
	steerMgr := steering.New(reg, sp, config.DefaultSteeringConfig(), nil)
	lc := lifecycle.NewStore(nil, func() int64 { return 1 })
	retry := &config.RetryConfig{IssuerMaxAttempts: 3, SpeedyMaxAttempts: 3}
	pl := pipeline.New(reg, sp, steerMgr, store, lc, retry, nil)

	cfg := config.DefaultSchedulerConfig()
	timeouts := config.DefaultTimeoutsConfig()
	return supervisor.New(reg, repl, sp, steerMgr, pl, mergequeue.New(), store, cfg, timeouts, nil), reg
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

func TestListener_StartAndStop(t *testing.T) {
	sup, _ := testSupervisor(t)
	sockPath := filepath.Join(t.TempDir(), "singularity.sock")
	l := New(sockPath, sup, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))

	_, err := os.Stat(sockPath)
	require.NoError(t, err)

	l.Stop()
	_, err = os.Stat(sockPath)
	require.True(t, os.IsNotExist(err))
}

func TestListener_DispatchesInterruptAgent(t *testing.T) {
	sup, reg := testSupervisor(t)
	reg.Register(&registry.Record{ID: "worker:T1", Type: config.AgentTypeWorker, TaskID: "T1", Status: registry.StatusWorking, RPC: startedClient(t)})

	sockPath := filepath.Join(t.TempDir(), "singularity.sock")
	l := New(sockPath, sup, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "{\"type\":\"interrupt_agent\",\"taskId\":\"T1\",\"message\":\"stop and redo\",\"ts\":1}\n")
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, err := reg.Get("worker:T1")
		return err == nil
	})
}

func TestListener_RemovesStaleSocketOnStart(t *testing.T) {
	sup, _ := testSupervisor(t)
	sockPath := filepath.Join(t.TempDir(), "singularity.sock")

	stale, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	require.NoError(t, stale.Close())

	l := New(sockPath, sup, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Start(ctx))
	l.Stop()
}

func startedClient(t *testing.T) *rpcclient.Client {
	t.Helper()
	c := rpcclient.New(rpcclient.Config{Command: fakeAgentScript(t), SendTimeout: 2 * time.Second}, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.ForceKill() })
	return c
}
