package model

import "time"

// EventName identifies a domain event on the bus.
type EventName string

// Domain events. DB_* events are emitted by the repository before each
// mutation returns; the remainder are lifecycle events published by the
// owning component.
const (
	EventRequestCreated   EventName = "REQUEST_CREATED"
	EventRequestStarted   EventName = "REQUEST_STARTED"
	EventRequestUpdated   EventName = "REQUEST_UPDATED"
	EventRequestCompleted EventName = "REQUEST_COMPLETED"
	EventRequestCanceled  EventName = "REQUEST_CANCELED"

	EventInstanceInitialized EventName = "INSTANCE_INITIALIZED"
	EventInstanceStarted     EventName = "INSTANCE_STARTED"
	EventInstanceStopped     EventName = "INSTANCE_STOPPED"
	EventInstanceUpdated     EventName = "INSTANCE_UPDATED"

	EventSystemCreated EventName = "SYSTEM_CREATED"
	EventSystemUpdated EventName = "SYSTEM_UPDATED"
	EventSystemRemoved EventName = "SYSTEM_REMOVED"

	EventGardenCreated     EventName = "GARDEN_CREATED"
	EventGardenUpdated     EventName = "GARDEN_UPDATED"
	EventGardenRemoved     EventName = "GARDEN_REMOVED"
	EventGardenStarted     EventName = "GARDEN_STARTED"
	EventGardenStopped     EventName = "GARDEN_STOPPED"
	EventGardenSync        EventName = "GARDEN_SYNC"
	EventGardenUnreachable EventName = "GARDEN_UNREACHABLE"
	EventGardenError       EventName = "GARDEN_ERROR"
	EventGardenReconnect   EventName = "GARDEN_RECONNECT"

	EventJobCreated  EventName = "JOB_CREATED"
	EventJobUpdated  EventName = "JOB_UPDATED"
	EventJobDeleted  EventName = "JOB_DELETED"
	EventJobPaused   EventName = "JOB_PAUSED"
	EventJobResumed  EventName = "JOB_RESUMED"
	EventJobExecuted EventName = "JOB_EXECUTED"

	EventTopicCreated EventName = "TOPIC_CREATED"
	EventTopicUpdated EventName = "TOPIC_UPDATED"
	EventTopicRemoved EventName = "TOPIC_REMOVED"

	EventUserUpdated EventName = "USER_UPDATED"

	EventEntryStarted EventName = "ENTRY_STARTED"
	EventEntryStopped EventName = "ENTRY_STOPPED"

	EventDBCreate EventName = "DB_CREATE"
	EventDBUpdate EventName = "DB_UPDATE"
	EventDBDelete EventName = "DB_DELETE"
)

// Event is the unit carried on the event bus and across garden
// connections.
type Event struct {
	ID            string         `json:"id,omitempty"`
	Name          EventName      `json:"name"`
	Garden        string         `json:"garden,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	PayloadType   string         `json:"payload_type,omitempty"`
	Payload       any            `json:"payload,omitempty"`
	Error         bool           `json:"error,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(name EventName, garden string, payloadType string, payload any) Event {
	return Event{
		ID:          NewID(),
		Name:        name,
		Garden:      garden,
		Timestamp:   time.Now().UTC(),
		PayloadType: payloadType,
		Payload:     payload,
	}
}
