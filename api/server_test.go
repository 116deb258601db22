package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/beer-garden/beer-garden/broker"
	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/federation"
	"github.com/beer-garden/beer-garden/instance"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/repository"
	"github.com/beer-garden/beer-garden/requests"
	"github.com/beer-garden/beer-garden/router"
	"github.com/beer-garden/beer-garden/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	server  *Server
	handler http.Handler
	repo    repository.Repository
	tokens  *token.Service
}

// newAPIFixture wires the server against in-memory collaborators, the
// same shape the supervisor builds in production.
func newAPIFixture(t *testing.T, authEnabled bool) *apiFixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.Secret = "api-test-secret"

	bus := eventbus.New(slog.Default())
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(time.Second) })

	repo := repository.NewMemory(bus, cfg.GardenName)
	require.NoError(t, repo.Gardens().Create(ctx, &model.Garden{
		Name:           cfg.GardenName,
		ConnectionType: model.ConnectionLocal,
		Status:         model.GardenRunning,
		Version:        "3.0.0",
	}))

	system := &model.System{
		ID:        model.NewID(),
		Namespace: "prod",
		Name:      "echo",
		Version:   "1.0.0",
		Local:     true,
		Instances: []*model.Instance{{
			ID: model.NewID(), Name: "default", Status: model.InstanceRunning,
		}},
		Commands: []*model.Command{{
			Name: "say",
			Parameters: []*model.Parameter{{
				Key: "message", Type: "String", Optional: true,
			}},
		}},
	}
	require.NoError(t, repo.Systems().Create(ctx, system))

	gateway := broker.NewMemoryGateway()
	_, err := gateway.EnsureRequestQueue(ctx, "echo", "1.0.0", "default")
	require.NoError(t, err)

	processor := requests.NewProcessor(repo, gateway, bus, nil, cfg.GardenName, slog.Default())
	instances := instance.NewController(repo, gateway, bus, slog.Default(), cfg.GardenName)
	tokens := token.NewService(repo, slog.Default(), []byte(cfg.Auth.Secret), 0, 0)
	syncer := federation.NewSyncer(repo, processor, bus, slog.Default(), cfg.GardenName)

	rt := router.New(repo, slog.Default(), cfg.GardenName)
	rt.Handle(model.OpRequestCreate, func(ctx context.Context, op *model.Operation) (any, error) {
		request, err := op.RequestModel()
		if err != nil {
			return nil, err
		}
		return processor.ProcessRequest(ctx, request, 0)
	})
	rt.Handle(model.OpRequestUpdate, func(ctx context.Context, op *model.Operation) (any, error) {
		var ops requests.UpdateOps
		if v, ok := op.Kwargs["status"].(string); ok && v != "" {
			status := model.RequestStatus(v)
			ops.Status = &status
		}
		if v, ok := op.Kwargs["output"].(string); ok {
			ops.Output = &v
		}
		return processor.UpdateRequest(ctx, op.Args[0], ops)
	})
	rt.Handle(model.OpRequestCancel, func(ctx context.Context, op *model.Operation) (any, error) {
		return processor.CancelRequest(ctx, op.Args[0])
	})

	server := NewServer(Deps{
		Config:    config.NewSafeConfig(cfg),
		Repo:      repo,
		Processor: processor,
		Instances: instances,
		Tokens:    tokens,
		Router:    rt,
		Syncer:    syncer,
		Bus:       bus,
		Logger:    slog.Default(),
	})
	return &apiFixture{
		server:  server,
		handler: server.httpServer.Handler,
		repo:    repo,
		tokens:  tokens,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestGetVersion(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/v1/version", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "3.0.0", body["beer_garden_version"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateRequest(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
		"namespace":      "prod",
		"system":         "echo",
		"system_version": "1.0.0",
		"instance_name":  "default",
		"command":        "say",
		"parameters":     map[string]any{"message": "hello"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[model.Request](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.RequestInProgress, created.Status)
}

func TestCreateRequestValidationFailure(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
		"namespace":      "prod",
		"system":         "echo",
		"system_version": "1.0.0",
		"command":        "no-such-command",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRequestUnknownSystem(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
		"namespace":      "prod",
		"system":         "ghost",
		"system_version": "9.9.9",
		"command":        "say",
	}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateRequestMalformedBody(t *testing.T) {
	f := newAPIFixture(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRequest(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
		"namespace":      "prod",
		"system":         "echo",
		"system_version": "1.0.0",
		"command":        "say",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[model.Request](t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decodeBody[model.Request](t, rec)
	assert.Equal(t, created.ID, fetched.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchRequestCompletes(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
		"namespace":      "prod",
		"system":         "echo",
		"system_version": "1.0.0",
		"command":        "say",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[model.Request](t, rec)

	rec = f.do(t, http.MethodPatch, "/api/v1/requests/"+created.ID, map[string]any{
		"status": "SUCCESS",
		"output": "done",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	patched := decodeBody[model.Request](t, rec)
	assert.Equal(t, model.RequestSuccess, patched.Status)
	assert.Equal(t, "done", patched.Output)
}

func TestPatchRequestCancelRoutesToCancel(t *testing.T) {
	f := newAPIFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
		"namespace":      "prod",
		"system":         "echo",
		"system_version": "1.0.0",
		"command":        "say",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[model.Request](t, rec)

	rec = f.do(t, http.MethodPatch, "/api/v1/requests/"+created.ID, map[string]any{
		"status": "CANCELED",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	canceled := decodeBody[model.Request](t, rec)
	assert.Equal(t, model.RequestCanceled, canceled.Status)
}

func TestListRequestsFilters(t *testing.T) {
	f := newAPIFixture(t, false)

	for n := 0; n < 3; n++ {
		rec := f.do(t, http.MethodPost, "/api/v1/requests/", map[string]any{
			"namespace":      "prod",
			"system":         "echo",
			"system_version": "1.0.0",
			"command":        "say",
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/requests/?system=echo&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]model.Request](t, rec)
	assert.Len(t, list, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/?system=other", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]model.Request](t, rec))
}

func seedUser(t *testing.T, f *apiFixture) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.repo.Users().Create(context.Background(), &model.User{
		Username:     "alice",
		PasswordHash: string(hash),
	}))
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	f := newAPIFixture(t, true)
	seedUser(t, f)

	// Anonymous calls are rejected.
	rec := f.do(t, http.MethodGet, "/api/v1/requests/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The token endpoint itself stays open.
	rec = f.do(t, http.MethodPost, "/api/v1/token", map[string]string{
		"username": "alice",
		"password": "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decodeBody[model.TokenPair](t, rec)
	require.NotEmpty(t, pair.Access)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/", nil, map[string]string{
		"Authorization": "Bearer " + pair.Access,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsBadToken(t *testing.T) {
	f := newAPIFixture(t, true)

	rec := f.do(t, http.MethodGet, "/api/v1/requests/", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenRefreshAndRevoke(t *testing.T) {
	f := newAPIFixture(t, true)
	seedUser(t, f)

	rec := f.do(t, http.MethodPost, "/api/v1/token", map[string]string{
		"username": "alice",
		"password": "hunter2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decodeBody[model.TokenPair](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/token/refresh", map[string]string{
		"refresh": pair.Refresh,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/token/revoke", nil, map[string]string{
		"Authorization": "Bearer " + pair.Access,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The revoked pair no longer authenticates.
	rec = f.do(t, http.MethodGet, "/api/v1/requests/", nil, map[string]string{
		"Authorization": "Bearer " + pair.Access,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBadCredentials(t *testing.T) {
	f := newAPIFixture(t, true)
	seedUser(t, f)

	rec := f.do(t, http.MethodPost, "/api/v1/token", map[string]string{
		"username": "alice",
		"password": "swordfish",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
