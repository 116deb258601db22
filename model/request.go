package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// RequestStatus represents where a request is in its lifecycle.
type RequestStatus string

// Request statuses.
const (
	RequestCreated    RequestStatus = "CREATED"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestSuccess    RequestStatus = "SUCCESS"
	RequestError      RequestStatus = "ERROR"
	RequestCanceled   RequestStatus = "CANCELED"
	RequestInvalid    RequestStatus = "INVALID"
)

// requestTransitions is the legal request state machine. Terminal statuses
// have no outgoing edges; only metadata merges are permitted afterwards.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestCreated:    {RequestInProgress, RequestInvalid, RequestCanceled},
	RequestInProgress: {RequestSuccess, RequestError, RequestCanceled},
}

// Terminal reports whether the status permits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestSuccess, RequestError, RequestCanceled, RequestInvalid:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ResolvableKey marks a parameter value as an out-of-band byte handle. A
// resolvable parameter is a map containing this key plus storage details.
const ResolvableKey = "bg_resolvable"

// IsResolvable reports whether a parameter value is a file/chunk handle.
func IsResolvable(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[ResolvableKey]
	return ok
}

// Request is a typed invocation of a Command on an Instance, tracked
// end-to-end. The target is referred to by tuple, not id, so systems can be
// re-registered without breaking historical requests.
type Request struct {
	ID            string         `json:"id,omitempty"`
	Garden        string         `json:"garden,omitempty"`
	Namespace     string         `json:"namespace"`
	System        string         `json:"system"`
	SystemVersion string         `json:"system_version"`
	InstanceName  string         `json:"instance_name"`
	Command       string         `json:"command"`
	CommandType   string         `json:"command_type,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Status        RequestStatus  `json:"status"`
	Output        string         `json:"output,omitempty"`
	OutputType    string         `json:"output_type,omitempty"`
	ErrorClass    string         `json:"error_class,omitempty"`
	Parent        string         `json:"parent,omitempty"`
	Children      []string       `json:"children,omitempty"`
	IsAdmin       bool           `json:"is_admin,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StatusUpdated time.Time      `json:"status_updated_at,omitempty"`
	SourceGarden  string         `json:"source_garden,omitempty"`
	TargetGarden  string         `json:"target_garden,omitempty"`
	Topic         string         `json:"topic,omitempty"`
	Hidden        bool           `json:"hidden,omitempty"`
}

// RequestTemplate is the subset of Request fields a Job or Topic subscriber
// may supply. Status, id and children are always assigned by the processor.
type RequestTemplate struct {
	Garden        string         `json:"garden,omitempty"`
	Namespace     string         `json:"namespace"`
	System        string         `json:"system"`
	SystemVersion string         `json:"system_version"`
	InstanceName  string         `json:"instance_name"`
	Command       string         `json:"command"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	OutputType    string         `json:"output_type,omitempty"`
}

// ToRequest materializes a fresh Request from the template.
func (t *RequestTemplate) ToRequest() *Request {
	return &Request{
		Garden:        t.Garden,
		Namespace:     t.Namespace,
		System:        t.System,
		SystemVersion: t.SystemVersion,
		InstanceName:  t.InstanceName,
		Command:       t.Command,
		Parameters:    t.Parameters,
		Comment:       t.Comment,
		Metadata:      t.Metadata,
		OutputType:    t.OutputType,
		Status:        RequestCreated,
	}
}

// TargetTuple returns the request's target identity for routing lookups.
func (r *Request) TargetTuple() string {
	return fmt.Sprintf("%s:%s-%s", r.Namespace, r.System, r.SystemVersion)
}

// RoutingKey returns the broker routing key for the request queue:
// system.version.instance with dots in the version replaced by dashes.
func (r *Request) RoutingKey() string {
	return fmt.Sprintf("%s.%s.%s", r.System, RoutingVersion(r.SystemVersion), r.InstanceName)
}

// AdminRoutingKey returns the broker routing key for admin dispatch at
// instance granularity.
func (r *Request) AdminRoutingKey() string {
	return fmt.Sprintf("admin.%s.%s.%s", r.System, RoutingVersion(r.SystemVersion), r.InstanceName)
}

// NewID returns a fresh opaque 24-hex-character identifier.
func NewID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// Extremely unlikely; fall back to a time-derived id.
		return fmt.Sprintf("%024x", time.Now().UnixNano())[:24]
	}
	return hex.EncodeToString(b)
}
