package requests_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/broker"
	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/beer-garden/beer-garden/requests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBus captures events published by the processor.
type recordingBus struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *recordingBus) Publish(e model.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) names() []model.EventName {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.EventName, len(b.events))
	for i, e := range b.events {
		out[i] = e.Name
	}
	return out
}

func (b *recordingBus) count(name model.EventName) int {
	n := 0
	for _, got := range b.names() {
		if got == name {
			n++
		}
	}
	return n
}

type fixture struct {
	repo      *repository.Memory
	gateway   *broker.MemoryGateway
	bus       *recordingBus
	processor *requests.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    repository.NewMemory(nil, "local"),
		gateway: broker.NewMemoryGateway(),
		bus:     &recordingBus{},
	}
	f.processor = requests.NewProcessor(f.repo, f.gateway, f.bus, nil, "local", nil)

	sys := &model.System{
		ID:        "sys-1",
		Namespace: "prod",
		Name:      "echo",
		Version:   "1.0.0",
		Local:     true,
		Commands: []*model.Command{{
			Name: "say",
			Parameters: []*model.Parameter{
				{Key: "message", Type: "String"},
			},
		}},
		Instances: []*model.Instance{{
			ID: "inst-1", Name: "default", Status: model.InstanceRunning,
		}},
	}
	require.NoError(t, f.repo.Systems().Create(context.Background(), sys))

	_, err := f.gateway.EnsureRequestQueue(context.Background(), "echo", "1.0.0", "default")
	require.NoError(t, err)
	return f
}

func newRequest() *model.Request {
	return &model.Request{
		Namespace:     "prod",
		System:        "echo",
		SystemVersion: "1.0.0",
		InstanceName:  "default",
		Command:       "say",
		Parameters:    map[string]any{"message": "hello"},
	}
}

func TestProcessRequestPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)

	assert.Equal(t, model.RequestInProgress, result.Status)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, "local", result.Garden)
	assert.False(t, result.StatusUpdated.IsZero())

	depth, err := f.gateway.Depth(ctx, "echo.1-0-0.default")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	assert.Equal(t, 1, f.bus.count(model.EventRequestCreated))
	assert.Equal(t, 1, f.bus.count(model.EventRequestStarted))
}

func TestProcessRequestUnknownSystemIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := newRequest()
	req.System = "nonexistent"

	result, err := f.processor.ProcessRequest(ctx, req, 0)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	// The rejected request is persisted for inspection.
	require.NotNil(t, result)
	stored, err := f.repo.Requests().Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestInvalid, stored.Status)
	assert.Equal(t, "ValidationError", stored.ErrorClass)
	assert.NotEmpty(t, stored.Output)
}

func TestProcessRequestUnknownCommandIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := newRequest()
	req.Command = "whisper"

	result, err := f.processor.ProcessRequest(ctx, req, 0)
	require.Error(t, err)
	assert.Equal(t, model.RequestInvalid, result.Status)
}

func TestProcessRequestValidationFailureIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := newRequest()
	req.Parameters = map[string]any{} // required "message" missing

	result, err := f.processor.ProcessRequest(ctx, req, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingParameter))
	assert.Equal(t, model.RequestInvalid, result.Status)

	// Nothing reaches the broker.
	depth, err := f.gateway.Depth(ctx, "echo.1-0-0.default")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessRequestDefaultsInstanceName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := newRequest()
	req.InstanceName = ""

	result, err := f.processor.ProcessRequest(ctx, req, 0)
	require.NoError(t, err)
	assert.Equal(t, "default", result.InstanceName)
}

func TestProcessRequestAdminBypassesValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.gateway.EnsureAdminQueue(ctx, "echo", "1.0.0", "default")
	require.NoError(t, err)

	req := newRequest()
	req.Command = "_start"
	req.Parameters = nil
	req.IsAdmin = true

	result, err := f.processor.ProcessRequest(ctx, req, 0)
	require.NoError(t, err)
	assert.Equal(t, model.RequestInProgress, result.Status)
	assert.Equal(t, 1, result.Priority)

	// Admin traffic stays off the request queue.
	depth, err := f.gateway.Depth(ctx, "echo.1-0-0.default")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessRequestPublishFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := newRequest()
	req.InstanceName = "default"
	require.NoError(t, f.gateway.Destroy(ctx, "echo.1-0-0.default", true))

	result, err := f.processor.ProcessRequest(ctx, req, 0)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// The request exists but never started.
	stored, err := f.repo.Requests().Get(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCreated, stored.Status)
}

func TestProcessRequestBoundedWait(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Simulate the plugin completing after the publish.
	go func() {
		for {
			time.Sleep(10 * time.Millisecond)
			live, err := f.repo.Requests().List(ctx, repository.RequestFilter{
				Status: model.RequestInProgress,
			})
			if err != nil || len(live) == 0 {
				continue
			}
			_, _ = f.processor.CompleteRequest(ctx, live[0].ID, model.RequestSuccess, "done", "")
			return
		}
	}()

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RequestSuccess, result.Status)
	assert.Equal(t, "done", result.Output)
}

func TestProcessRequestWaitTimeoutReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	start := time.Now()
	result, err := f.processor.ProcessRequest(ctx, newRequest(), 50*time.Millisecond)
	require.NoError(t, err)

	// Timeout does not cancel; the request is still live.
	assert.Equal(t, model.RequestInProgress, result.Status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestUpdateRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)

	done, err := f.processor.CompleteRequest(ctx, result.ID, model.RequestSuccess, "hello back", "")
	require.NoError(t, err)
	assert.Equal(t, model.RequestSuccess, done.Status)
	assert.Equal(t, "hello back", done.Output)
	assert.Equal(t, 1, f.bus.count(model.EventRequestCompleted))
}

func TestUpdateRequestTerminalDropsStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)
	_, err = f.processor.CompleteRequest(ctx, result.ID, model.RequestSuccess, "first", "")
	require.NoError(t, err)

	// A duplicate plugin reply must not flip the status or the output.
	after, err := f.processor.CompleteRequest(ctx, result.ID, model.RequestError, "second", "Boom")
	require.NoError(t, err)
	assert.Equal(t, model.RequestSuccess, after.Status)
	assert.Equal(t, "first", after.Output)
	assert.Empty(t, after.ErrorClass)
	assert.Equal(t, 1, f.bus.count(model.EventRequestCompleted))
}

func TestUpdateRequestTerminalMergesMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)
	_, err = f.processor.CompleteRequest(ctx, result.ID, model.RequestSuccess, "done", "")
	require.NoError(t, err)

	updated, err := f.processor.UpdateRequest(ctx, result.ID, requests.UpdateOps{
		Metadata: map[string]any{"reviewed": true},
	})
	require.NoError(t, err)
	assert.Equal(t, true, updated.Metadata["reviewed"])
	assert.Equal(t, model.RequestSuccess, updated.Status)
}

func TestUpdateRequestIllegalTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := &model.Request{System: "echo", Status: model.RequestCreated}
	require.NoError(t, f.repo.Requests().Create(ctx, req))

	status := model.RequestSuccess
	_, err := f.processor.UpdateRequest(ctx, req.ID, requests.UpdateOps{Status: &status})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidStatus))
}

func TestCancelRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)

	canceled, err := f.processor.CancelRequest(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCanceled, canceled.Status)
	assert.Equal(t, 1, f.bus.count(model.EventRequestCanceled))
}

func TestCancelTerminalRequestIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)
	_, err = f.processor.CompleteRequest(ctx, result.ID, model.RequestSuccess, "done", "")
	require.NoError(t, err)

	after, err := f.processor.CancelRequest(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestSuccess, after.Status)
	assert.Zero(t, f.bus.count(model.EventRequestCanceled))
}

func TestCancelUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor.CancelRequest(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestWaitChannelSignalsOnCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.processor.ProcessRequest(ctx, newRequest(), 0)
	require.NoError(t, err)

	ch := f.processor.WaitChannel(result.ID)
	_, err = f.processor.CompleteRequest(ctx, result.ID, model.RequestSuccess, "done", "")
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("wait channel never closed")
	}
}

func TestPublishToTopicFanout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.repo.Topics().Create(ctx, &model.Topic{
		ID:   "t-1",
		Name: "announce",
		Subscribers: []*model.Subscriber{
			{System: "echo", Command: "say"},
			{System: "*", Command: "say"},
		},
	}))

	parent := newRequest()
	children, err := f.processor.PublishToTopic(ctx, "announce", parent)
	require.NoError(t, err)
	require.Len(t, children, 2)

	stored, err := f.repo.Requests().Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "announce", stored.Topic)
	assert.Len(t, stored.Children, 2)

	for _, child := range children {
		assert.Equal(t, parent.ID, child.Parent)
		assert.Equal(t, model.RequestInProgress, child.Status)
		assert.Equal(t, "say", child.Command)
		assert.Equal(t, "echo", child.System, "wildcard fields fall back to publish values")
	}
}

func TestPublishToTopicNoSubscribers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.repo.Topics().Create(ctx, &model.Topic{
		ID: "t-1", Name: "quiet",
		Subscribers: []*model.Subscriber{{Command: "other"}},
	}))

	parent := newRequest()
	children, err := f.processor.PublishToTopic(ctx, "quiet", parent)
	require.NoError(t, err)
	assert.Empty(t, children)

	// The parent publish record still exists.
	stored, err := f.repo.Requests().Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "quiet", stored.Topic)
}

func TestPublishToTopicWildcardName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.repo.Topics().Create(ctx, &model.Topic{
		ID: "t-1", Name: "sensors.*",
		Subscribers: []*model.Subscriber{{System: "echo"}},
	}))

	parent := newRequest()
	children, err := f.processor.PublishToTopic(ctx, "sensors.temp", parent)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}
