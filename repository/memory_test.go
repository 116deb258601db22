package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures DB_* events emitted by the repository.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(e model.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Event, len(p.events))
	copy(out, p.events)
	return out
}

func testSystem() *model.System {
	return &model.System{
		ID:        "sys-1",
		Namespace: "prod",
		Name:      "echo",
		Version:   "1.0.0",
		Commands:  []*model.Command{{Name: "say"}},
		Instances: []*model.Instance{{
			ID:     "inst-1",
			Name:   "default",
			Status: model.InstanceRunning,
		}},
		Local: true,
	}
}

func TestGardenStore(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	local := &model.Garden{Name: "local", ConnectionType: model.ConnectionLocal, Status: model.GardenRunning}
	require.NoError(t, repo.Gardens().Create(ctx, local))
	assert.NotEmpty(t, local.ID)

	// Second LOCAL garden is a conflict.
	err := repo.Gardens().Create(ctx, &model.Garden{Name: "other", ConnectionType: model.ConnectionLocal})
	assert.True(t, errors.IsConflict(err))

	// Duplicate name is a conflict.
	err = repo.Gardens().Create(ctx, &model.Garden{Name: "local", ConnectionType: model.ConnectionLocal})
	assert.True(t, errors.IsConflict(err))

	child := &model.Garden{
		Name:           "east",
		ConnectionType: model.ConnectionHTTP,
		ConnectionParams: model.ConnectionParams{
			HTTP: &model.HTTPConnectionParams{Host: "east.example.com", Port: 2337},
		},
	}
	require.NoError(t, repo.Gardens().Create(ctx, child))

	got, err := repo.Gardens().Local(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local", got.Name)

	listed, err := repo.Gardens().List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	child.Status = model.GardenRunning
	_, err = repo.Gardens().Update(ctx, child)
	require.NoError(t, err)

	got, err = repo.Gardens().Get(ctx, "east")
	require.NoError(t, err)
	assert.Equal(t, model.GardenRunning, got.Status)

	require.NoError(t, repo.Gardens().Delete(ctx, "east"))
	_, err = repo.Gardens().Get(ctx, "east")
	assert.True(t, errors.IsNotFound(err))
}

func TestSystemStore(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	sys := testSystem()
	require.NoError(t, repo.Systems().Create(ctx, sys))

	dupe := testSystem()
	dupe.ID = "sys-2"
	err := repo.Systems().Create(ctx, dupe)
	assert.True(t, errors.IsConflict(err), "same tuple should conflict")

	got, err := repo.Systems().GetByTuple(ctx, "prod", "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "sys-1", got.ID)

	_, err = repo.Systems().GetByTuple(ctx, "prod", "echo", "9.9.9")
	assert.True(t, errors.IsNotFound(err))

	owner, inst, err := repo.Systems().FindInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "sys-1", owner.ID)
	assert.Equal(t, "default", inst.Name)

	_, _, err = repo.Systems().FindInstance(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestSystemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")
	require.NoError(t, repo.Systems().Create(ctx, testSystem()))

	got, err := repo.Systems().Get(ctx, "sys-1")
	require.NoError(t, err)
	got.Name = "mutated"
	got.Instances[0].Status = model.InstanceDead

	fresh, err := repo.Systems().Get(ctx, "sys-1")
	require.NoError(t, err)
	assert.Equal(t, "echo", fresh.Name)
	assert.Equal(t, model.InstanceRunning, fresh.Instances[0].Status)
}

func TestSystemStoreModifyInstance(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")
	require.NoError(t, repo.Systems().Create(ctx, testSystem()))

	inst, err := repo.Systems().ModifyInstance(ctx, "inst-1", func(i *model.Instance) error {
		i.Status = model.InstanceStopped
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStopped, inst.Status)

	stored, err := repo.Systems().Get(ctx, "sys-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStopped, stored.Instances[0].Status)

	// Update callback errors roll back nothing and surface as-is.
	_, err = repo.Systems().ModifyInstance(ctx, "inst-1", func(*model.Instance) error {
		return errors.ErrInvalidStatus
	})
	assert.True(t, errors.IsValidation(err))
}

func TestSystemStoreListFilter(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	a := testSystem()
	require.NoError(t, repo.Systems().Create(ctx, a))

	b := testSystem()
	b.ID = "sys-2"
	b.Name = "remote-echo"
	b.Local = false
	b.Instances[0].ID = "inst-2"
	require.NoError(t, repo.Systems().Create(ctx, b))

	all, err := repo.Systems().List(ctx, repository.SystemFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	localOnly := true
	local, err := repo.Systems().List(ctx, repository.SystemFilter{Local: &localOnly})
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "echo", local[0].Name)

	named, err := repo.Systems().List(ctx, repository.SystemFilter{Name: "remote-echo"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "sys-2", named[0].ID)
}

func TestRequestStoreModify(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	req := &model.Request{
		Namespace: "prod", System: "echo", SystemVersion: "1.0.0",
		InstanceName: "default", Command: "say", Status: model.RequestCreated,
	}
	require.NoError(t, repo.Requests().Create(ctx, req))
	assert.Len(t, req.ID, 24)
	assert.False(t, req.CreatedAt.IsZero())

	updated, err := repo.Requests().Modify(ctx, req.ID, func(r *model.Request) error {
		r.Status = model.RequestInProgress
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RequestInProgress, updated.Status)
	assert.False(t, updated.UpdatedAt.Before(req.UpdatedAt))

	_, err = repo.Requests().Modify(ctx, "missing", func(*model.Request) error { return nil })
	assert.True(t, errors.IsNotFound(err))
}

func TestRequestStoreAddChildAndCascadeDelete(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	parent := &model.Request{System: "echo", Status: model.RequestCreated}
	child := &model.Request{System: "echo", Status: model.RequestCreated}
	require.NoError(t, repo.Requests().Create(ctx, parent))
	require.NoError(t, repo.Requests().Create(ctx, child))

	require.NoError(t, repo.Requests().AddChild(ctx, parent.ID, child.ID))
	// Adding the same child twice is idempotent.
	require.NoError(t, repo.Requests().AddChild(ctx, parent.ID, child.ID))

	got, err := repo.Requests().Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.ID}, got.Children)

	require.NoError(t, repo.Requests().Delete(ctx, parent.ID))
	_, err = repo.Requests().Get(ctx, child.ID)
	assert.True(t, errors.IsNotFound(err), "delete should cascade to children")
}

func TestRequestStoreListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	base := time.Now().UTC().Add(-time.Hour)
	for i, cmd := range []string{"a", "b", "c"} {
		req := &model.Request{
			Namespace: "prod", System: "echo", Command: cmd,
			Status:    model.RequestCreated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Requests().Create(ctx, req))
	}

	asc, err := repo.Requests().List(ctx, repository.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].Command)

	desc, err := repo.Requests().List(ctx, repository.RequestFilter{Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "c", desc[0].Command)

	byCmd, err := repo.Requests().List(ctx, repository.RequestFilter{Command: "b"})
	require.NoError(t, err)
	require.Len(t, byCmd, 1)
}

func TestTopicStoreGetByName(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	topic := &model.Topic{ID: "t-1", Name: "sensors.temp"}
	require.NoError(t, repo.Topics().Create(ctx, topic))

	got, err := repo.Topics().GetByName(ctx, "sensors.temp")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)

	_, err = repo.Topics().GetByName(ctx, "sensors.humidity")
	assert.True(t, errors.IsNotFound(err))
}

func TestTokenStoreDeleteForUser(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	now := time.Now().UTC()
	for _, uuid := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, repo.Tokens().Create(ctx, &model.RefreshToken{
			UUID: uuid, User: "alice", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
	}
	require.NoError(t, repo.Tokens().Create(ctx, &model.RefreshToken{
		UUID: "t-bob", User: "bob", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, repo.Tokens().DeleteForUser(ctx, "alice", "t-2"))

	_, err := repo.Tokens().Get(ctx, "t-1")
	assert.True(t, errors.IsNotFound(err))
	_, err = repo.Tokens().Get(ctx, "t-2")
	assert.NoError(t, err)
	_, err = repo.Tokens().Get(ctx, "t-bob")
	assert.NoError(t, err)
}

func TestRepositoryEmitsDBEvents(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	repo := repository.NewMemory(pub, "local")

	req := &model.Request{System: "echo", Status: model.RequestCreated}
	require.NoError(t, repo.Requests().Create(ctx, req))
	_, err := repo.Requests().Modify(ctx, req.ID, func(r *model.Request) error {
		r.Status = model.RequestInProgress
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, repo.Requests().Delete(ctx, req.ID))

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, model.EventDBCreate, events[0].Name)
	assert.Equal(t, model.EventDBUpdate, events[1].Name)
	assert.Equal(t, model.EventDBDelete, events[2].Name)
	for _, e := range events {
		assert.Equal(t, "request", e.PayloadType)
		assert.Equal(t, "local", e.Garden)
	}
}

func TestUserStorePreservesPasswordHash(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(nil, "local")

	require.NoError(t, repo.Users().Create(ctx, &model.User{
		Username:     "alice",
		PasswordHash: "$2a$10$abcdefg",
		Roles:        []string{"admin"},
	}))

	got, err := repo.Users().Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$abcdefg", got.PasswordHash)
	assert.Equal(t, []string{"admin"}, got.Roles)
}
