package router_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/beer-garden/beer-garden/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubForwarder records forwarded operations.
type stubForwarder struct {
	mu      sync.Mutex
	targets []string
	ops     []*model.Operation
	err     error
}

func (f *stubForwarder) Forward(_ context.Context, garden *model.Garden, op *model.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.targets = append(f.targets, garden.Name)
	f.ops = append(f.ops, op)
	return nil
}

type routerFixture struct {
	repo      *repository.Memory
	router    *router.Router
	forwarder *stubForwarder
	executed  []model.OperationType
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ctx := context.Background()
	f := &routerFixture{
		repo:      repository.NewMemory(nil, "local"),
		forwarder: &stubForwarder{},
	}
	f.router = router.New(f.repo, slog.Default(), "local")
	f.router.SetForwarder(f.forwarder)

	require.NoError(t, f.repo.Gardens().Create(ctx, &model.Garden{
		Name: "local", ConnectionType: model.ConnectionLocal, Status: model.GardenRunning,
	}))

	// Remote garden serving the "remote-echo" system via sync.
	require.NoError(t, f.repo.Gardens().Create(ctx, &model.Garden{
		Name:           "east",
		ConnectionType: model.ConnectionHTTP,
		ConnectionParams: model.ConnectionParams{
			HTTP: &model.HTTPConnectionParams{Host: "east.example.com", Port: 2337},
		},
		Status: model.GardenRunning,
		Systems: []*model.System{
			{Namespace: "prod", Name: "remote-echo", Version: "1.0.0"},
		},
	}))

	// Local system.
	require.NoError(t, f.repo.Systems().Create(ctx, &model.System{
		ID: "sys-1", Namespace: "prod", Name: "echo", Version: "1.0.0", Local: true,
		Instances: []*model.Instance{{ID: "inst-1", Name: "default"}},
	}))

	record := func(ctx context.Context, op *model.Operation) (any, error) {
		f.executed = append(f.executed, op.OperationType)
		return op.OperationType, nil
	}
	f.router.Handle(model.OpRequestCreate, record)
	f.router.Handle(model.OpInstanceStart, record)
	f.router.Handle(model.OpGardenSync, record)
	return f
}

func createOp(t *testing.T, system string) *model.Operation {
	t.Helper()
	op := &model.Operation{OperationType: model.OpRequestCreate}
	require.NoError(t, op.WithModel("Request", &model.Request{
		Namespace: "prod", System: system, SystemVersion: "1.0.0",
		InstanceName: "default", Command: "say",
	}))
	return op
}

func TestRouteLocalSystemExecutes(t *testing.T) {
	f := newRouterFixture(t)

	result, err := f.router.Route(context.Background(), createOp(t, "echo"))
	require.NoError(t, err)
	assert.Equal(t, model.OpRequestCreate, result)
	assert.Len(t, f.executed, 1)
	assert.Empty(t, f.forwarder.ops)
}

func TestRouteRemoteSystemForwards(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)

	result, err := f.router.Route(ctx, createOp(t, "remote-echo"))
	require.NoError(t, err)
	require.Len(t, f.forwarder.ops, 1)
	assert.Equal(t, []string{"east"}, f.forwarder.targets)
	assert.Empty(t, f.executed)

	// The forwarded envelope is stamped with its destination.
	forwarded := f.forwarder.ops[0]
	assert.Equal(t, "east", forwarded.TargetGarden)

	// A parent-side copy exists so sync updates have a row to land on.
	request, ok := result.(*model.Request)
	require.True(t, ok)
	assert.Equal(t, "east", request.Garden)
	assert.Equal(t, model.RequestCreated, request.Status)

	stored, err := f.repo.Requests().Get(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, "east", stored.Garden)
}

func TestRouteChildSourceExecutesLocally(t *testing.T) {
	f := newRouterFixture(t)

	// Even an operation naming a remote system executes here when it
	// arrived from upstream, preventing forward loops.
	op := createOp(t, "remote-echo")
	op.SourceGarden = model.SourceGardenChild

	_, err := f.router.Route(context.Background(), op)
	require.NoError(t, err)
	assert.Len(t, f.executed, 1)
	assert.Empty(t, f.forwarder.ops)
}

func TestRouteIneligibleTypeExecutesLocally(t *testing.T) {
	f := newRouterFixture(t)

	op := &model.Operation{OperationType: model.OpGardenSync, TargetGarden: "east"}
	_, err := f.router.Route(context.Background(), op)
	require.NoError(t, err)
	assert.Len(t, f.executed, 1)
	assert.Empty(t, f.forwarder.ops)
}

func TestRouteUnknownSystem(t *testing.T) {
	f := newRouterFixture(t)

	_, err := f.router.Route(context.Background(), createOp(t, "nonexistent"))
	require.Error(t, err)
	assert.True(t, errors.IsRoutingUnavailable(err))
}

func TestRouteOfflineGarden(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)

	east, err := f.repo.Gardens().Get(ctx, "east")
	require.NoError(t, err)
	east.Status = model.GardenStopped
	_, err = f.repo.Gardens().Update(ctx, east)
	require.NoError(t, err)

	_, err = f.router.Route(ctx, createOp(t, "remote-echo"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGardenOffline))
	assert.Empty(t, f.forwarder.ops)
}

func TestRouteInstanceOpFollowsOwner(t *testing.T) {
	f := newRouterFixture(t)

	op := &model.Operation{OperationType: model.OpInstanceStart, Args: []string{"inst-1"}}
	_, err := f.router.Route(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, []model.OperationType{model.OpInstanceStart}, f.executed)
}

func TestRouteInstanceOpRequiresArg(t *testing.T) {
	f := newRouterFixture(t)

	op := &model.Operation{OperationType: model.OpInstanceStart}
	_, err := f.router.Route(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestRouteCancelFollowsRequestGarden(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t)

	req := &model.Request{System: "remote-echo", Garden: "east", Status: model.RequestInProgress}
	require.NoError(t, f.repo.Requests().Create(ctx, req))

	op := &model.Operation{OperationType: model.OpRequestCancel, Args: []string{req.ID}}
	_, err := f.router.Route(ctx, op)
	require.NoError(t, err)
	require.Len(t, f.forwarder.ops, 1)
	assert.Equal(t, []string{"east"}, f.forwarder.targets)
}

func TestRouteNoHandler(t *testing.T) {
	f := newRouterFixture(t)

	op := &model.Operation{OperationType: model.OpJobCreate}
	_, err := f.router.Route(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}
