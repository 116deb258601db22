// Package repository provides typed persistence for beer-garden entities.
//
// Every mutation emits a DB_* event on the event bus before returning, so
// caches and federation connectors observe changes without polling. The
// package enforces uniqueness for garden names, system tuples, instance
// names within a system, and topic names; violations surface as Conflict
// errors, missing reads as NotFound.
package repository

import (
	"context"
	"time"

	"github.com/beer-garden/beer-garden/model"
)

// Publisher is the slice of the event bus the repository needs.
type Publisher interface {
	Publish(model.Event)
}

// SystemFilter narrows system queries. Zero values match everything.
type SystemFilter struct {
	Namespace string
	Name      string
	Version   string
	Local     *bool

	// Field selection to keep large systems cheap to list. Fields reports
	// whether commands and instance details should be materialized.
	IncludeCommands  bool
	IncludeInstances bool
}

// RequestFilter narrows request queries.
type RequestFilter struct {
	Namespace string
	System    string
	Command   string
	Status    model.RequestStatus
	Parent    string
	IsAdmin   *bool
	Since     time.Time
	Limit     int
	OrderBy   string // "created_at" (default) or "updated_at"
	Descending bool
}

// GardenStore persists gardens, keyed by unique name.
type GardenStore interface {
	Create(ctx context.Context, garden *model.Garden) error
	Get(ctx context.Context, name string) (*model.Garden, error)
	Update(ctx context.Context, garden *model.Garden) (*model.Garden, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*model.Garden, error)

	// Local returns the unique garden with connection type LOCAL.
	Local(ctx context.Context) (*model.Garden, error)
}

// SystemStore persists systems, keyed by id and unique on
// (namespace, name, version).
type SystemStore interface {
	Create(ctx context.Context, system *model.System) error
	Get(ctx context.Context, id string) (*model.System, error)
	GetByTuple(ctx context.Context, namespace, name, version string) (*model.System, error)
	Update(ctx context.Context, system *model.System) (*model.System, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter SystemFilter) ([]*model.System, error)

	// FindInstance locates the system owning the given instance id.
	FindInstance(ctx context.Context, instanceID string) (*model.System, *model.Instance, error)

	// ModifyInstance atomically applies update to one instance within its
	// parent system and returns the post-image.
	ModifyInstance(ctx context.Context, instanceID string, update func(*model.Instance) error) (*model.Instance, error)
}

// RequestStore persists requests.
type RequestStore interface {
	Create(ctx context.Context, request *model.Request) error
	Get(ctx context.Context, id string) (*model.Request, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter RequestFilter) ([]*model.Request, error)

	// Modify atomically applies update to the request with the given id and
	// returns the post-image. Concurrent modifications of one id are
	// serialized, so two replies cannot interleave mid-transition.
	Modify(ctx context.Context, id string, update func(*model.Request) error) (*model.Request, error)

	// AddChild appends a child id to the parent's children list.
	AddChild(ctx context.Context, parentID, childID string) error
}

// JobStore persists scheduled jobs.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) (*model.Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.Job, error)
}

// TopicStore persists topics, keyed by unique name.
type TopicStore interface {
	Create(ctx context.Context, topic *model.Topic) error
	Get(ctx context.Context, id string) (*model.Topic, error)
	GetByName(ctx context.Context, name string) (*model.Topic, error)
	Update(ctx context.Context, topic *model.Topic) (*model.Topic, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.Topic, error)
}

// TokenStore persists refresh tokens keyed by uuid.
type TokenStore interface {
	Create(ctx context.Context, token *model.RefreshToken) error
	Get(ctx context.Context, uuid string) (*model.RefreshToken, error)
	Delete(ctx context.Context, uuid string) error

	// DeleteForUser removes every token belonging to user except the one
	// with the given uuid (pass "" to remove all).
	DeleteForUser(ctx context.Context, user, exceptUUID string) error
}

// UserStore persists principals consulted during token issuance.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	Get(ctx context.Context, username string) (*model.User, error)
	Update(ctx context.Context, user *model.User) (*model.User, error)
}

// Repository aggregates the typed stores.
type Repository interface {
	Gardens() GardenStore
	Systems() SystemStore
	Requests() RequestStore
	Jobs() JobStore
	Topics() TopicStore
	Tokens() TokenStore
	Users() UserStore
}
