package model_test

import (
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/model"
	"github.com/stretchr/testify/assert"
)

func TestInstanceStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.InstanceStatus
		to      model.InstanceStatus
		allowed bool
	}{
		{"initializing to running", model.InstanceInitializing, model.InstanceRunning, true},
		{"initializing to starting", model.InstanceInitializing, model.InstanceStarting, true},
		{"starting to running", model.InstanceStarting, model.InstanceRunning, true},
		{"running heartbeat refresh", model.InstanceRunning, model.InstanceRunning, true},
		{"running to unresponsive", model.InstanceRunning, model.InstanceUnresponsive, true},
		{"unresponsive recovers", model.InstanceUnresponsive, model.InstanceRunning, true},
		{"unresponsive to dead", model.InstanceUnresponsive, model.InstanceDead, true},
		{"stopped restarts", model.InstanceStopped, model.InstanceStarting, true},
		{"dead restarts", model.InstanceDead, model.InstanceInitializing, true},
		{"stopped to running directly", model.InstanceStopped, model.InstanceRunning, false},
		{"dead to unresponsive", model.InstanceDead, model.InstanceUnresponsive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestInstanceStatusCanMonitorDowngrade(t *testing.T) {
	tests := []struct {
		name    string
		from    model.InstanceStatus
		to      model.InstanceStatus
		allowed bool
	}{
		{"running to unresponsive", model.InstanceRunning, model.InstanceUnresponsive, true},
		{"running to dead", model.InstanceRunning, model.InstanceDead, true},
		{"unresponsive to dead", model.InstanceUnresponsive, model.InstanceDead, true},
		{"stopped never demoted", model.InstanceStopped, model.InstanceUnresponsive, false},
		{"stopped never killed", model.InstanceStopped, model.InstanceDead, false},
		{"dead stays dead", model.InstanceDead, model.InstanceUnresponsive, false},
		{"initializing is grace period", model.InstanceInitializing, model.InstanceUnresponsive, false},
		{"monitor never promotes", model.InstanceUnresponsive, model.InstanceRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanMonitorDowngrade(tt.to))
		})
	}
}

func TestSystemValidate(t *testing.T) {
	tests := []struct {
		name        string
		system      model.System
		expectError bool
	}{
		{
			name: "valid",
			system: model.System{
				Namespace: "prod",
				Name:      "echo",
				Version:   "1.0.0",
				Instances: []*model.Instance{{Name: "default"}},
			},
		},
		{
			name:        "missing version",
			system:      model.System{Namespace: "prod", Name: "echo"},
			expectError: true,
		},
		{
			name: "too many instances",
			system: model.System{
				Namespace:    "prod",
				Name:         "echo",
				Version:      "1.0.0",
				MaxInstances: 1,
				Instances:    []*model.Instance{{Name: "a"}, {Name: "b"}},
			},
			expectError: true,
		},
		{
			name: "duplicate instance names",
			system: model.System{
				Namespace: "prod",
				Name:      "echo",
				Version:   "1.0.0",
				Instances: []*model.Instance{{Name: "default"}, {Name: "default"}},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.system.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSystemLookups(t *testing.T) {
	sys := &model.System{
		Namespace: "prod",
		Name:      "echo",
		Version:   "1.0.0",
		Commands:  []*model.Command{{Name: "say"}, {Name: "shout"}},
		Instances: []*model.Instance{{ID: "i-1", Name: "default"}},
	}

	assert.Equal(t, "prod:echo-1.0.0", sys.Key())
	assert.NotNil(t, sys.Command("say"))
	assert.Nil(t, sys.Command("whisper"))
	assert.NotNil(t, sys.Instance("default"))
	assert.Nil(t, sys.Instance("other"))
	assert.NotNil(t, sys.InstanceByID("i-1"))
	assert.Nil(t, sys.InstanceByID("i-2"))
}

func TestInstanceRunnerID(t *testing.T) {
	inst := &model.Instance{}
	assert.Empty(t, inst.RunnerID())

	inst.Metadata = map[string]any{"runner_id": "abc-123"}
	assert.Equal(t, "abc-123", inst.RunnerID())

	inst.Metadata = map[string]any{"runner_id": 42}
	assert.Empty(t, inst.RunnerID())
}

func TestInstanceHeartbeatAge(t *testing.T) {
	now := time.Now()
	inst := &model.Instance{
		StatusInfo: model.StatusInfo{Heartbeat: now.Add(-30 * time.Second)},
	}
	assert.Equal(t, 30*time.Second, inst.HeartbeatAge(now))
}

func TestRoutingVersion(t *testing.T) {
	assert.Equal(t, "1-0-0", model.RoutingVersion("1.0.0"))
	assert.Equal(t, "latest", model.RoutingVersion("latest"))
}
