package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKwargHelpers(t *testing.T) {
	op := &model.Operation{Kwargs: map[string]any{
		"name":    "echo",
		"wait_ms": float64(1500),
		"count":   int64(250),
	}}

	assert.Equal(t, "echo", kwargString(op, "name"))
	assert.Equal(t, "", kwargString(op, "absent"))
	assert.Equal(t, "", kwargString(op, "wait_ms"), "non-string kwarg reads as empty")

	assert.Equal(t, 1500*time.Millisecond, kwargDuration(op, "wait_ms"))
	assert.Equal(t, 250*time.Millisecond, kwargDuration(op, "count"))
	assert.Equal(t, time.Duration(0), kwargDuration(op, "absent"))
}

func TestArg0(t *testing.T) {
	id, err := arg0(&model.Operation{Args: []string{"abc"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, err = arg0(&model.Operation{OperationType: model.OpRequestCancel})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestEnsureLocalGardenFirstBoot(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Namespaces = []string{"prod"}

	a := New(cfg, slog.Default())
	a.Repo = repository.NewMemory(nil, cfg.GardenName)

	require.NoError(t, a.ensureLocalGarden(ctx, cfg))

	garden, err := a.Repo.Gardens().Local(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.GardenName, garden.Name)
	assert.Equal(t, model.GardenRunning, garden.Status)
	assert.Equal(t, []string{"prod"}, garden.Namespaces)
	assert.False(t, garden.StatusInfo.Heartbeat.IsZero())
}

func TestEnsureLocalGardenRefreshesExisting(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	a := New(cfg, slog.Default())
	a.Repo = repository.NewMemory(nil, cfg.GardenName)
	require.NoError(t, a.Repo.Gardens().Create(ctx, &model.Garden{
		Name:           cfg.GardenName,
		ConnectionType: model.ConnectionLocal,
		Status:         model.GardenStopped,
		Version:        "old",
	}))

	require.NoError(t, a.ensureLocalGarden(ctx, cfg))

	garden, err := a.Repo.Gardens().Local(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.GardenRunning, garden.Status)
	assert.Equal(t, Version, garden.Version)
}

func TestLoadChildrenRegistersAndRefreshes(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	dir := t.TempDir()
	childYAML := `
receiving: true
http:
  host: east.example.com
  port: 2337
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "east.yaml"), []byte(childYAML), 0o644))

	a := New(cfg, slog.Default())
	a.Repo = repository.NewMemory(nil, cfg.GardenName)
	require.NoError(t, a.loadChildren(ctx, dir))

	child, err := a.Repo.Gardens().Get(ctx, "east")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionHTTP, child.ConnectionType)

	// A later reload updates connection config without losing runtime state.
	child.Status = model.GardenRunning
	_, err = a.Repo.Gardens().Update(ctx, child)
	require.NoError(t, err)

	require.NoError(t, a.loadChildren(ctx, dir))
	reloaded, err := a.Repo.Gardens().Get(ctx, "east")
	require.NoError(t, err)
	assert.Equal(t, model.GardenRunning, reloaded.Status)
}

func TestLoadChildrenRejectsLocalShadow(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	dir := t.TempDir()
	shadow := `
http:
  host: localhost
  port: 2337
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, cfg.GardenName+".yaml"), []byte(shadow), 0o644))

	a := New(cfg, slog.Default())
	a.Repo = repository.NewMemory(nil, cfg.GardenName)

	err := a.loadChildren(ctx, dir)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
