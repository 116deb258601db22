package model

import (
	"fmt"
	"time"
)

// ConnectionType identifies how a garden is reached.
type ConnectionType string

// Garden connection types.
const (
	ConnectionLocal ConnectionType = "LOCAL"
	ConnectionHTTP  ConnectionType = "HTTP"
	ConnectionSTOMP ConnectionType = "STOMP"
)

// GardenStatus represents the reachability state of a garden.
type GardenStatus string

// Garden statuses. NOT_CONFIGURED, STOPPED, BLOCKED, ERROR and UNREACHABLE
// are sticky: reachability events never overwrite them, only an explicit
// operator update does.
const (
	GardenNotConfigured GardenStatus = "NOT_CONFIGURED"
	GardenInitializing  GardenStatus = "INITIALIZING"
	GardenRunning       GardenStatus = "RUNNING"
	GardenStopped       GardenStatus = "STOPPED"
	GardenBlocked       GardenStatus = "BLOCKED"
	GardenUnreachable   GardenStatus = "UNREACHABLE"
	GardenError         GardenStatus = "ERROR"
)

// Sticky reports whether the status survives reachability events.
func (s GardenStatus) Sticky() bool {
	switch s {
	case GardenNotConfigured, GardenStopped, GardenBlocked, GardenError, GardenUnreachable:
		return true
	}
	return false
}

// StatusInfo carries the last heartbeat observed for a garden or instance.
type StatusInfo struct {
	Heartbeat time.Time `json:"heartbeat"`
	History   []string  `json:"history,omitempty"`
}

// HTTPConnectionParams configures an HTTP connection to a remote garden.
type HTTPConnectionParams struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	URLPrefix string `json:"url_prefix,omitempty" yaml:"url_prefix"`
	SSL       bool   `json:"ssl" yaml:"ssl"`
	CACert    string `json:"ca_cert,omitempty" yaml:"ca_cert"`
	CAVerify  bool   `json:"ca_verify" yaml:"ca_verify"`
	Username  string `json:"username,omitempty" yaml:"username"`
	Password  string `json:"password,omitempty" yaml:"password"`
}

// STOMPHeader is one header pair attached to outbound STOMP frames. A flat
// list is used instead of a map so a nested "headers" key cannot appear.
type STOMPHeader struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// STOMPConnectionParams configures a STOMP connection to a remote garden.
type STOMPConnectionParams struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	SSL             bool          `json:"ssl" yaml:"ssl"`
	SendDestination string        `json:"send_destination" yaml:"send_destination"`
	SubscribeDest   string        `json:"subscribe_destination" yaml:"subscribe_destination"`
	Username        string        `json:"username,omitempty" yaml:"username"`
	Password        string        `json:"password,omitempty" yaml:"password"`
	Headers         []STOMPHeader `json:"headers,omitempty" yaml:"headers"`
}

// ConnectionParams holds the per-type connection configuration for a garden.
// Exactly one (or neither, for LOCAL) of HTTP / STOMP is populated.
type ConnectionParams struct {
	HTTP  *HTTPConnectionParams  `json:"http,omitempty" yaml:"http"`
	STOMP *STOMPConnectionParams `json:"stomp,omitempty" yaml:"stomp"`
}

// Empty reports whether no connection parameters are set.
func (p ConnectionParams) Empty() bool {
	return p.HTTP == nil && p.STOMP == nil
}

// Garden identifies a federation node. Exactly one garden in a process has
// ConnectionType LOCAL.
type Garden struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name"`
	ConnectionType   ConnectionType   `json:"connection_type"`
	ConnectionParams ConnectionParams `json:"connection_params"`
	Status           GardenStatus     `json:"status"`
	StatusInfo       StatusInfo       `json:"status_info"`
	Namespaces       []string         `json:"namespaces,omitempty"`
	Systems          []*System        `json:"systems,omitempty"`
	Children         []*Garden        `json:"children,omitempty"`
	Parent           string           `json:"parent,omitempty"`
	Version          string           `json:"version,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`

	// Publishing/receiving flags from the garden definition file.
	PublishingEnabled bool `json:"publishing_enabled"`
	ReceivingEnabled  bool `json:"receiving_enabled"`
}

// Validate checks the garden's structural invariants.
func (g *Garden) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("garden name is required")
	}
	switch g.ConnectionType {
	case ConnectionLocal:
		if !g.ConnectionParams.Empty() {
			return fmt.Errorf("garden %s: LOCAL gardens must not carry connection params", g.Name)
		}
	case ConnectionHTTP:
		if g.ConnectionParams.HTTP == nil {
			return fmt.Errorf("garden %s: HTTP connection requires http params", g.Name)
		}
		if g.ConnectionParams.HTTP.Host == "" || g.ConnectionParams.HTTP.Port == 0 {
			return fmt.Errorf("garden %s: HTTP connection requires host and port", g.Name)
		}
	case ConnectionSTOMP:
		p := g.ConnectionParams.STOMP
		if p == nil {
			return fmt.Errorf("garden %s: STOMP connection requires stomp params", g.Name)
		}
		if p.Host == "" || p.Port == 0 || p.SendDestination == "" || p.SubscribeDest == "" {
			return fmt.Errorf("garden %s: STOMP connection requires host, port and destinations", g.Name)
		}
		for _, h := range p.Headers {
			if h.Key == "headers" {
				return fmt.Errorf("garden %s: nested 'headers' key is not permitted", g.Name)
			}
		}
	default:
		return fmt.Errorf("garden %s: unknown connection type %q", g.Name, g.ConnectionType)
	}
	return nil
}

// HasNamespace reports whether the garden serves the given namespace.
func (g *Garden) HasNamespace(ns string) bool {
	for _, n := range g.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// FindChild returns the direct child with the given name.
func (g *Garden) FindChild(name string) *Garden {
	for _, c := range g.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}
