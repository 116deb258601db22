package instance_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/instance"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/stretchr/testify/require"
)

const monitorInterval = 30 * time.Millisecond

func seedMonitored(t *testing.T, repo *repository.Memory, status model.InstanceStatus, heartbeatAge time.Duration) {
	t.Helper()
	require.NoError(t, repo.Systems().Create(context.Background(), &model.System{
		ID: "sys-1", Namespace: "prod", Name: "echo", Version: "1.0.0", Local: true,
		Instances: []*model.Instance{{
			ID: "inst-1", Name: "default", Status: status,
			StatusInfo: model.StatusInfo{Heartbeat: time.Now().UTC().Add(-heartbeatAge)},
		}},
	}))
}

func awaitStatus(t *testing.T, repo *repository.Memory, want model.InstanceStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, inst, err := repo.Systems().FindInstance(context.Background(), "inst-1")
		require.NoError(t, err)
		if inst.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, inst, _ := repo.Systems().FindInstance(context.Background(), "inst-1")
	t.Fatalf("instance never reached %s, still %s", want, inst.Status)
}

func runMonitor(t *testing.T, repo *repository.Memory) {
	t.Helper()
	m := instance.NewMonitor(repo, &recordingBus{}, slog.Default(), "local", monitorInterval)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
}

func TestMonitorDemotesToUnresponsive(t *testing.T) {
	repo := repository.NewMemory(nil, "local")
	seedMonitored(t, repo, model.InstanceRunning, 2*monitorInterval)

	runMonitor(t, repo)
	awaitStatus(t, repo, model.InstanceUnresponsive)
}

func TestMonitorDemotesToDead(t *testing.T) {
	repo := repository.NewMemory(nil, "local")
	seedMonitored(t, repo, model.InstanceRunning, 4*monitorInterval)

	runMonitor(t, repo)
	awaitStatus(t, repo, model.InstanceDead)
}

func TestMonitorHealsUnresponsive(t *testing.T) {
	repo := repository.NewMemory(nil, "local")
	// Heartbeat is fresh but the status still says UNRESPONSIVE.
	seedMonitored(t, repo, model.InstanceUnresponsive, 0)

	runMonitor(t, repo)
	awaitStatus(t, repo, model.InstanceRunning)
}

func TestMonitorNeverDemotesStopped(t *testing.T) {
	repo := repository.NewMemory(nil, "local")
	seedMonitored(t, repo, model.InstanceStopped, 10*monitorInterval)

	runMonitor(t, repo)

	// Give the monitor several sweeps to misbehave.
	time.Sleep(4 * monitorInterval)
	_, inst, err := repo.Systems().FindInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Equal(t, model.InstanceStopped, inst.Status)
}

func TestMonitorIgnoresRemoteSystems(t *testing.T) {
	repo := repository.NewMemory(nil, "local")
	require.NoError(t, repo.Systems().Create(context.Background(), &model.System{
		ID: "sys-1", Namespace: "prod", Name: "echo", Version: "1.0.0", Local: false,
		Instances: []*model.Instance{{
			ID: "inst-1", Name: "default", Status: model.InstanceRunning,
			StatusInfo: model.StatusInfo{Heartbeat: time.Now().UTC().Add(-time.Hour)},
		}},
	}))

	runMonitor(t, repo)

	time.Sleep(4 * monitorInterval)
	_, inst, err := repo.Systems().FindInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Equal(t, model.InstanceRunning, inst.Status, "remote instances are the owning garden's concern")
}
