package model

import (
	"encoding/json"
	"strings"
)

// OperationType tags an Operation for dispatch. The prefix before the first
// underscore names the entity family; the Router uses it to decide routing
// eligibility.
type OperationType string

// Operation types dispatched through the router.
const (
	OpRequestCreate         OperationType = "REQUEST_CREATE"
	OpRequestUpdate         OperationType = "REQUEST_UPDATE"
	OpRequestCancel         OperationType = "REQUEST_CANCEL"
	OpRequestRead           OperationType = "REQUEST_READ"
	OpRequestTemplateCreate OperationType = "REQUEST_TEMPLATE_CREATE"

	OpInstanceInitialize OperationType = "INSTANCE_INITIALIZE"
	OpInstanceStart      OperationType = "INSTANCE_START"
	OpInstanceStop       OperationType = "INSTANCE_STOP"
	OpInstanceUpdate     OperationType = "INSTANCE_UPDATE"
	OpInstanceHeartbeat  OperationType = "INSTANCE_HEARTBEAT"
	OpInstanceDelete     OperationType = "INSTANCE_DELETE"

	OpSystemCreate OperationType = "SYSTEM_CREATE"
	OpSystemUpdate OperationType = "SYSTEM_UPDATE"
	OpSystemDelete OperationType = "SYSTEM_DELETE"
	OpSystemReload OperationType = "SYSTEM_RELOAD"
	OpSystemRead   OperationType = "SYSTEM_READ"

	OpGardenCreate OperationType = "GARDEN_CREATE"
	OpGardenUpdate OperationType = "GARDEN_UPDATE"
	OpGardenDelete OperationType = "GARDEN_DELETE"
	OpGardenSync   OperationType = "GARDEN_SYNC"

	OpJobCreate OperationType = "JOB_CREATE"
	OpJobUpdate OperationType = "JOB_UPDATE"
	OpJobDelete OperationType = "JOB_DELETE"
	OpJobPause  OperationType = "JOB_PAUSE"
	OpJobResume OperationType = "JOB_RESUME"

	OpTopicCreate  OperationType = "TOPIC_CREATE"
	OpTopicDelete  OperationType = "TOPIC_DELETE"
	OpTopicPublish OperationType = "TOPIC_PUBLISH"

	OpQueueDepth  OperationType = "QUEUE_DEPTH"
	OpQueueDelete OperationType = "QUEUE_DELETE"

	OpEventForward OperationType = "EVENT_FORWARD"
)

// SourceGarden values attached to forwarded operations.
const (
	SourceGardenChild  = "CHILD"
	SourceGardenParent = "PARENT"
)

// routingEligibleFamilies are the entity families the router will consider
// forwarding to a remote garden. Everything else executes locally.
var routingEligibleFamilies = map[string]bool{
	"INSTANCE": true,
	"REQUEST":  true,
	"SYSTEM":   true,
	"EVENT":    true,
}

// Family returns the entity family prefix of the operation type.
func (t OperationType) Family() string {
	s := string(t)
	if i := strings.Index(s, "_"); i > 0 {
		// REQUEST_TEMPLATE_* stays in the REQUEST family.
		if strings.HasPrefix(s, "REQUEST_TEMPLATE") {
			return "REQUEST"
		}
		return s[:i]
	}
	return s
}

// RoutingEligible reports whether the operation may leave the local garden.
func (t OperationType) RoutingEligible() bool {
	return routingEligibleFamilies[t.Family()]
}

// Operation is the serialized envelope shared by inter-garden and
// intra-garden dispatch. Field order is fixed and kwargs keys are sorted by
// the JSON encoder, so serialize-deserialize-serialize is byte-stable.
type Operation struct {
	OperationType OperationType   `json:"operation_type"`
	Args          []string        `json:"args,omitempty"`
	Kwargs        map[string]any  `json:"kwargs,omitempty"`
	ModelType     string          `json:"model_type,omitempty"`
	Model         json.RawMessage `json:"model,omitempty"`
	SourceGarden  string          `json:"source_garden,omitempty"`
	TargetGarden  string          `json:"target_garden,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ParseOperation deserializes an Operation envelope.
func ParseOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Serialize renders the canonical JSON form of the envelope.
func (o *Operation) Serialize() ([]byte, error) {
	return json.Marshal(o)
}

// WithModel attaches a serialized model to the envelope.
func (o *Operation) WithModel(modelType string, m any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	o.ModelType = modelType
	o.Model = data
	return nil
}

// RequestModel decodes the attached model as a Request.
func (o *Operation) RequestModel() (*Request, error) {
	var r Request
	if err := json.Unmarshal(o.Model, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// TemplateModel decodes the attached model as a RequestTemplate.
func (o *Operation) TemplateModel() (*RequestTemplate, error) {
	var t RequestTemplate
	if err := json.Unmarshal(o.Model, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SystemModel decodes the attached model as a System.
func (o *Operation) SystemModel() (*System, error) {
	var s System
	if err := json.Unmarshal(o.Model, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GardenModel decodes the attached model as a Garden.
func (o *Operation) GardenModel() (*Garden, error) {
	var g Garden
	if err := json.Unmarshal(o.Model, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// UnmarshalModel decodes the attached model into dst.
func (o *Operation) UnmarshalModel(dst any) error {
	return json.Unmarshal(o.Model, dst)
}

// EventModel decodes the attached model as an Event.
func (o *Operation) EventModel() (*Event, error) {
	var e Event
	if err := json.Unmarshal(o.Model, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
