package model_test

import (
	"testing"

	"github.com/beer-garden/beer-garden/model"
	"github.com/stretchr/testify/assert"
)

func TestRequestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   model.RequestStatus
		terminal bool
	}{
		{model.RequestCreated, false},
		{model.RequestInProgress, false},
		{model.RequestSuccess, true},
		{model.RequestError, true},
		{model.RequestCanceled, true},
		{model.RequestInvalid, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestRequestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.RequestStatus
		to      model.RequestStatus
		allowed bool
	}{
		{"created to in_progress", model.RequestCreated, model.RequestInProgress, true},
		{"created to invalid", model.RequestCreated, model.RequestInvalid, true},
		{"created to canceled", model.RequestCreated, model.RequestCanceled, true},
		{"created to success skips in_progress", model.RequestCreated, model.RequestSuccess, false},
		{"in_progress to success", model.RequestInProgress, model.RequestSuccess, true},
		{"in_progress to error", model.RequestInProgress, model.RequestError, true},
		{"in_progress to canceled", model.RequestInProgress, model.RequestCanceled, true},
		{"in_progress back to created", model.RequestInProgress, model.RequestCreated, false},
		{"success is terminal", model.RequestSuccess, model.RequestInProgress, false},
		{"error is terminal", model.RequestError, model.RequestCreated, false},
		{"canceled is terminal", model.RequestCanceled, model.RequestInProgress, false},
		{"invalid is terminal", model.RequestInvalid, model.RequestCreated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestRequestRoutingKey(t *testing.T) {
	r := &model.Request{
		System:        "echo",
		SystemVersion: "1.0.0",
		InstanceName:  "default",
	}

	assert.Equal(t, "echo.1-0-0.default", r.RoutingKey())
	assert.Equal(t, "admin.echo.1-0-0.default", r.AdminRoutingKey())
}

func TestRequestTargetTuple(t *testing.T) {
	r := &model.Request{
		Namespace:     "prod",
		System:        "echo",
		SystemVersion: "1.0.0",
	}

	assert.Equal(t, "prod:echo-1.0.0", r.TargetTuple())
}

func TestRequestTemplateToRequest(t *testing.T) {
	tmpl := &model.RequestTemplate{
		Namespace:     "prod",
		System:        "echo",
		SystemVersion: "1.0.0",
		InstanceName:  "default",
		Command:       "say",
		Parameters:    map[string]any{"message": "hello"},
		Comment:       "from a job",
	}

	r := tmpl.ToRequest()

	assert.Equal(t, model.RequestCreated, r.Status)
	assert.Empty(t, r.ID)
	assert.Equal(t, "say", r.Command)
	assert.Equal(t, "hello", r.Parameters["message"])
}

func TestIsResolvable(t *testing.T) {
	assert.True(t, model.IsResolvable(map[string]any{
		model.ResolvableKey: true,
		"storage":           "gridfs",
		"id":                "abc",
	}))
	assert.False(t, model.IsResolvable(map[string]any{"id": "abc"}))
	assert.False(t, model.IsResolvable("just a string"))
	assert.False(t, model.IsResolvable(nil))
}

func TestNewID(t *testing.T) {
	a := model.NewID()
	b := model.NewID()

	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)
}
