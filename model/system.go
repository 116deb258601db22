package model

import (
	"fmt"
	"strings"
	"time"
)

// InstanceStatus represents the lifecycle state of a plugin instance.
type InstanceStatus string

// Instance statuses.
const (
	InstanceInitializing InstanceStatus = "INITIALIZING"
	InstanceStarting     InstanceStatus = "STARTING"
	InstanceRunning      InstanceStatus = "RUNNING"
	InstanceStopped      InstanceStatus = "STOPPED"
	InstanceDead         InstanceStatus = "DEAD"
	InstanceUnresponsive InstanceStatus = "UNRESPONSIVE"
)

// instanceTransitions is the legal instance state machine. STOPPED is sticky
// against monitor-driven downgrades; the monitor consults CanMonitorDowngrade
// instead of this table.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceInitializing: {InstanceStarting, InstanceRunning, InstanceDead, InstanceStopped},
	InstanceStarting:     {InstanceRunning, InstanceDead, InstanceStopped, InstanceUnresponsive},
	InstanceRunning:      {InstanceUnresponsive, InstanceStopped, InstanceDead, InstanceRunning},
	InstanceUnresponsive: {InstanceRunning, InstanceDead, InstanceStopped},
	InstanceStopped:      {InstanceInitializing, InstanceStarting},
	InstanceDead:         {InstanceInitializing, InstanceStarting},
}

// CanMonitorDowngrade reports whether the heartbeat monitor may demote an
// instance from s to next. Operator-initiated stops and terminal states are
// never overridden by a late heartbeat verdict.
func (s InstanceStatus) CanMonitorDowngrade(next InstanceStatus) bool {
	switch s {
	case InstanceStopped, InstanceDead, InstanceInitializing:
		return false
	}
	return next == InstanceUnresponsive || next == InstanceDead
}

// CanTransition reports whether moving from s to next is legal.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QueueDetails names one provisioned broker queue and its arguments.
type QueueDetails struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// QueueInfo holds the broker destinations provisioned for an instance.
type QueueInfo struct {
	Request    QueueDetails   `json:"request"`
	Admin      QueueDetails   `json:"admin"`
	Connection map[string]any `json:"connection,omitempty"`
}

// Instance is one running copy of a System.
type Instance struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      InstanceStatus `json:"status"`
	StatusInfo  StatusInfo     `json:"status_info"`
	QueueType   string         `json:"queue_type,omitempty"`
	QueueInfo   QueueInfo      `json:"queue_info"`
	Icon        string         `json:"icon_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunnerID returns the local process runner id, if any.
func (i *Instance) RunnerID() string {
	if i.Metadata == nil {
		return ""
	}
	if id, ok := i.Metadata["runner_id"].(string); ok {
		return id
	}
	return ""
}

// HeartbeatAge returns the time since the instance last reported in.
func (i *Instance) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(i.StatusInfo.Heartbeat)
}

// ChoicesType identifies how a parameter's allowed values are produced.
type ChoicesType string

// Choice source types.
const (
	ChoicesStatic  ChoicesType = "static"
	ChoicesURL     ChoicesType = "url"
	ChoicesCommand ChoicesType = "command"
)

// Choices describes the allowed values of a parameter. When Strict is true
// an off-list value is rejected; typeahead parameters set Strict false and
// accept any value.
type Choices struct {
	Type    ChoicesType    `json:"type"`
	Display string         `json:"display,omitempty"`
	Strict  bool           `json:"strict"`
	Value   any            `json:"value"`
	Details map[string]any `json:"details,omitempty"`
}

// Parameter describes one command parameter, recursively.
type Parameter struct {
	Key         string         `json:"key"`
	Type        string         `json:"type"`
	Multi       bool           `json:"multi,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Optional    bool           `json:"optional,omitempty"`
	Default     any            `json:"default,omitempty"`
	Description string         `json:"description,omitempty"`
	Choices     *Choices       `json:"choices,omitempty"`
	Parameters  []*Parameter   `json:"parameters,omitempty"`
	Nullable    bool           `json:"nullable,omitempty"`
	Maximum     *float64       `json:"maximum,omitempty"`
	Minimum     *float64       `json:"minimum,omitempty"`
	Regex       string         `json:"regex,omitempty"`
	FormInput   string         `json:"form_input_type,omitempty"`
	TypeInfo    map[string]any `json:"type_info,omitempty"`
	IsKwarg     bool           `json:"is_kwarg,omitempty"`
}

// Command is a named invocable exposed by a System.
type Command struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Parameters     []*Parameter   `json:"parameters,omitempty"`
	CommandType    string         `json:"command_type,omitempty"`
	OutputType     string         `json:"output_type,omitempty"`
	Schema         map[string]any `json:"schema,omitempty"`
	Form           map[string]any `json:"form,omitempty"`
	Hidden         bool           `json:"hidden,omitempty"`
	Topics         []string       `json:"topics,omitempty"`
	AllowAnyKwargs bool           `json:"allow_any_kwargs,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Parameter returns the parameter with the given key, or nil.
func (c *Command) Parameter(key string) *Parameter {
	for _, p := range c.Parameters {
		if p.Key == key {
			return p
		}
	}
	return nil
}

// System is a named, versioned plugin owning Instances and Commands.
// The unique key is (Namespace, Name, Version).
type System struct {
	ID           string         `json:"id,omitempty"`
	Namespace    string         `json:"namespace"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	MaxInstances int            `json:"max_instances,omitempty"`
	Instances    []*Instance    `json:"instances,omitempty"`
	Commands     []*Command     `json:"commands,omitempty"`
	IconName     string         `json:"icon_name,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Local        bool           `json:"local"`
	Template     string         `json:"template,omitempty"`
	Groups       []string       `json:"groups,omitempty"`
	Requires     []string       `json:"requires,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Key returns the canonical namespace-name-version identity string.
func (s *System) Key() string {
	return fmt.Sprintf("%s:%s-%s", s.Namespace, s.Name, s.Version)
}

// Command returns the named command, or nil.
func (s *System) Command(name string) *Command {
	for _, c := range s.Commands {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Instance returns the named instance, or nil.
func (s *System) Instance(name string) *Instance {
	for _, i := range s.Instances {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// InstanceByID returns the instance with the given id, or nil.
func (s *System) InstanceByID(id string) *Instance {
	for _, i := range s.Instances {
		if i.ID == id {
			return i
		}
	}
	return nil
}

// Validate checks the system's structural invariants.
func (s *System) Validate() error {
	if s.Namespace == "" || s.Name == "" || s.Version == "" {
		return fmt.Errorf("system requires namespace, name and version")
	}
	if s.MaxInstances > 0 && len(s.Instances) > s.MaxInstances {
		return fmt.Errorf("system %s: %d instances exceeds max_instances %d",
			s.Name, len(s.Instances), s.MaxInstances)
	}
	seen := make(map[string]bool, len(s.Instances))
	for _, i := range s.Instances {
		if seen[i.Name] {
			return fmt.Errorf("system %s: duplicate instance name %q", s.Name, i.Name)
		}
		seen[i.Name] = true
	}
	return nil
}

// RoutingVersion returns the version with dots replaced for use inside
// dotted broker routing keys.
func RoutingVersion(version string) string {
	return strings.ReplaceAll(version, ".", "-")
}
