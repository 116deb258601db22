package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// Memory is the in-process repository engine. All typed stores share one
// lock table; entities are deep-copied on the way in and out so callers
// never alias repository state.
type Memory struct {
	publisher Publisher
	garden    string // local garden name stamped on DB events

	mu           sync.RWMutex
	gardens      map[string]*model.Garden // by name
	systems      map[string]*model.System // by id
	systemTuples map[string]string        // tuple key -> id
	requests     map[string]*model.Request
	jobs         map[string]*model.Job
	topics       map[string]*model.Topic // by id
	topicNames   map[string]string       // name -> id
	tokens       map[string]*model.RefreshToken
	users        map[string]*model.User

	// Per-request-id locks serializing Modify so concurrent replies cannot
	// interleave mid-transition.
	requestLocks sync.Map // id -> *sync.Mutex
}

// NewMemory creates an empty in-memory repository. The publisher receives a
// DB_* event before every mutation returns; gardenName is stamped on those
// events.
func NewMemory(publisher Publisher, gardenName string) *Memory {
	return &Memory{
		publisher:    publisher,
		garden:       gardenName,
		gardens:      make(map[string]*model.Garden),
		systems:      make(map[string]*model.System),
		systemTuples: make(map[string]string),
		requests:     make(map[string]*model.Request),
		jobs:         make(map[string]*model.Job),
		topics:       make(map[string]*model.Topic),
		topicNames:   make(map[string]string),
		tokens:       make(map[string]*model.RefreshToken),
		users:        make(map[string]*model.User),
	}
}

// Typed store accessors.

func (m *Memory) Gardens() GardenStore   { return (*memGardens)(m) }
func (m *Memory) Systems() SystemStore   { return (*memSystems)(m) }
func (m *Memory) Requests() RequestStore { return (*memRequests)(m) }
func (m *Memory) Jobs() JobStore         { return (*memJobs)(m) }
func (m *Memory) Topics() TopicStore     { return (*memTopics)(m) }
func (m *Memory) Tokens() TokenStore     { return (*memTokens)(m) }
func (m *Memory) Users() UserStore       { return (*memUsers)(m) }

// emit publishes a DB_* change event. Called with the write lock released
// so handlers may read back through the repository.
func (m *Memory) emit(name model.EventName, payloadType string, payload any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(model.NewEvent(name, m.garden, payloadType, payload))
}

// clone deep-copies an entity via JSON. Falls back to the original on
// marshal failure, which cannot happen for the plain data structs stored
// here.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return v
	}
	return out
}

// ---- gardens ----

type memGardens Memory

func (s *memGardens) Create(_ context.Context, garden *model.Garden) error {
	if err := garden.Validate(); err != nil {
		return errors.WrapValidation(err, "Repository", "CreateGarden", "validate garden")
	}

	m := (*Memory)(s)
	m.mu.Lock()
	if _, exists := m.gardens[garden.Name]; exists {
		m.mu.Unlock()
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateGarden",
			fmt.Sprintf("garden %q", garden.Name))
	}
	if garden.ConnectionType == model.ConnectionLocal {
		for _, g := range m.gardens {
			if g.ConnectionType == model.ConnectionLocal {
				m.mu.Unlock()
				return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateGarden",
					"second LOCAL garden")
			}
		}
	}
	if garden.ID == "" {
		garden.ID = model.NewID()
	}
	m.gardens[garden.Name] = clone(garden)
	m.mu.Unlock()

	m.emit(model.EventDBCreate, "garden", clone(garden))
	return nil
}

func (s *memGardens) Get(_ context.Context, name string) (*model.Garden, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gardens[name]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrUnknownGarden, "Repository", "GetGarden", name)
	}
	return clone(g), nil
}

func (s *memGardens) Update(_ context.Context, garden *model.Garden) (*model.Garden, error) {
	m := (*Memory)(s)
	m.mu.Lock()
	if _, ok := m.gardens[garden.Name]; !ok {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrUnknownGarden, "Repository", "UpdateGarden", garden.Name)
	}
	stored := clone(garden)
	m.gardens[garden.Name] = stored
	m.mu.Unlock()

	m.emit(model.EventDBUpdate, "garden", clone(stored))
	return clone(stored), nil
}

func (s *memGardens) Delete(_ context.Context, name string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	g, ok := m.gardens[name]
	if !ok {
		m.mu.Unlock()
		return errors.WrapNotFound(errors.ErrUnknownGarden, "Repository", "DeleteGarden", name)
	}
	delete(m.gardens, name)
	m.mu.Unlock()

	m.emit(model.EventDBDelete, "garden", clone(g))
	return nil
}

func (s *memGardens) List(_ context.Context) ([]*model.Garden, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Garden, 0, len(m.gardens))
	for _, g := range m.gardens {
		out = append(out, clone(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memGardens) Local(_ context.Context) (*model.Garden, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.gardens {
		if g.ConnectionType == model.ConnectionLocal {
			return clone(g), nil
		}
	}
	return nil, errors.WrapNotFound(errors.ErrUnknownGarden, "Repository", "LocalGarden", "LOCAL garden")
}

// ---- systems ----

type memSystems Memory

func tupleKey(namespace, name, version string) string {
	return namespace + ":" + name + "-" + version
}

func (s *memSystems) Create(_ context.Context, system *model.System) error {
	if err := system.Validate(); err != nil {
		return errors.WrapValidation(err, "Repository", "CreateSystem", "validate system")
	}

	m := (*Memory)(s)
	key := tupleKey(system.Namespace, system.Name, system.Version)

	m.mu.Lock()
	if _, exists := m.systemTuples[key]; exists {
		m.mu.Unlock()
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateSystem", key)
	}
	if system.ID == "" {
		system.ID = model.NewID()
	}
	for _, inst := range system.Instances {
		if inst.ID == "" {
			inst.ID = model.NewID()
		}
		if inst.Status == "" {
			inst.Status = model.InstanceInitializing
		}
	}
	m.systems[system.ID] = clone(system)
	m.systemTuples[key] = system.ID
	m.mu.Unlock()

	m.emit(model.EventDBCreate, "system", clone(system))
	return nil
}

func (s *memSystems) Get(_ context.Context, id string) (*model.System, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	sys, ok := m.systems[id]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrUnknownSystem, "Repository", "GetSystem", id)
	}
	return clone(sys), nil
}

func (s *memSystems) GetByTuple(_ context.Context, namespace, name, version string) (*model.System, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.systemTuples[tupleKey(namespace, name, version)]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrUnknownSystem, "Repository", "GetSystemByTuple",
			tupleKey(namespace, name, version))
	}
	return clone(m.systems[id]), nil
}

func (s *memSystems) Update(_ context.Context, system *model.System) (*model.System, error) {
	if err := system.Validate(); err != nil {
		return nil, errors.WrapValidation(err, "Repository", "UpdateSystem", "validate system")
	}

	m := (*Memory)(s)
	m.mu.Lock()
	old, ok := m.systems[system.ID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrUnknownSystem, "Repository", "UpdateSystem", system.ID)
	}
	// The tuple may not change through Update; re-registration is
	// delete-then-create.
	oldKey := tupleKey(old.Namespace, old.Name, old.Version)
	newKey := tupleKey(system.Namespace, system.Name, system.Version)
	if oldKey != newKey {
		m.mu.Unlock()
		return nil, errors.WrapValidation(errors.ErrInvalidStatus, "Repository", "UpdateSystem",
			"system tuple is immutable")
	}
	stored := clone(system)
	m.systems[system.ID] = stored
	m.mu.Unlock()

	m.emit(model.EventDBUpdate, "system", clone(stored))
	return clone(stored), nil
}

func (s *memSystems) Delete(_ context.Context, id string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	sys, ok := m.systems[id]
	if !ok {
		m.mu.Unlock()
		return errors.WrapNotFound(errors.ErrUnknownSystem, "Repository", "DeleteSystem", id)
	}
	delete(m.systems, id)
	delete(m.systemTuples, tupleKey(sys.Namespace, sys.Name, sys.Version))
	m.mu.Unlock()

	m.emit(model.EventDBDelete, "system", clone(sys))
	return nil
}

func (s *memSystems) List(_ context.Context, filter SystemFilter) ([]*model.System, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.System, 0, len(m.systems))
	for _, sys := range m.systems {
		if filter.Namespace != "" && sys.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && sys.Name != filter.Name {
			continue
		}
		if filter.Version != "" && sys.Version != filter.Version {
			continue
		}
		if filter.Local != nil && sys.Local != *filter.Local {
			continue
		}
		c := clone(sys)
		if !filter.IncludeCommands {
			c.Commands = nil
		}
		if !filter.IncludeInstances {
			for i, inst := range c.Instances {
				c.Instances[i] = &model.Instance{
					ID: inst.ID, Name: inst.Name, Status: inst.Status,
					StatusInfo: inst.StatusInfo,
				}
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *memSystems) FindInstance(_ context.Context, instanceID string) (*model.System, *model.Instance, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sys := range m.systems {
		if inst := sys.InstanceByID(instanceID); inst != nil {
			c := clone(sys)
			return c, c.InstanceByID(instanceID), nil
		}
	}
	return nil, nil, errors.WrapNotFound(errors.ErrUnknownInstance, "Repository", "FindInstance", instanceID)
}

func (s *memSystems) ModifyInstance(
	_ context.Context,
	instanceID string,
	update func(*model.Instance) error,
) (*model.Instance, error) {
	m := (*Memory)(s)
	m.mu.Lock()
	var owner *model.System
	for _, sys := range m.systems {
		if sys.InstanceByID(instanceID) != nil {
			owner = sys
			break
		}
	}
	if owner == nil {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrUnknownInstance, "Repository", "ModifyInstance", instanceID)
	}
	inst := owner.InstanceByID(instanceID)
	if err := update(inst); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	post := clone(inst)
	updated := clone(owner)
	m.mu.Unlock()

	m.emit(model.EventDBUpdate, "system", updated)
	return post, nil
}

// ---- requests ----

type memRequests Memory

func (s *memRequests) Create(_ context.Context, request *model.Request) error {
	m := (*Memory)(s)
	m.mu.Lock()
	if request.ID == "" {
		request.ID = model.NewID()
	}
	if _, exists := m.requests[request.ID]; exists {
		m.mu.Unlock()
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateRequest", request.ID)
	}
	now := time.Now().UTC()
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = now
	m.requests[request.ID] = clone(request)
	m.mu.Unlock()

	m.emit(model.EventDBCreate, "request", clone(request))
	return nil
}

func (s *memRequests) Get(_ context.Context, id string) (*model.Request, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "GetRequest", id)
	}
	return clone(r), nil
}

func (s *memRequests) Delete(_ context.Context, id string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return errors.WrapNotFound(errors.ErrNotFound, "Repository", "DeleteRequest", id)
	}
	delete(m.requests, id)
	// Delete cascades to children.
	var children []string
	children = append(children, r.Children...)
	for len(children) > 0 {
		childID := children[0]
		children = children[1:]
		if child, ok := m.requests[childID]; ok {
			children = append(children, child.Children...)
			delete(m.requests, childID)
		}
	}
	m.mu.Unlock()

	m.emit(model.EventDBDelete, "request", clone(r))
	return nil
}

func (s *memRequests) List(_ context.Context, filter RequestFilter) ([]*model.Request, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	out := make([]*model.Request, 0)
	for _, r := range m.requests {
		if filter.Namespace != "" && r.Namespace != filter.Namespace {
			continue
		}
		if filter.System != "" && r.System != filter.System {
			continue
		}
		if filter.Command != "" && r.Command != filter.Command {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Parent != "" && r.Parent != filter.Parent {
			continue
		}
		if filter.IsAdmin != nil && r.IsAdmin != *filter.IsAdmin {
			continue
		}
		if !filter.Since.IsZero() && r.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, clone(r))
	}
	m.mu.RUnlock()

	less := func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) }
	if filter.OrderBy == "updated_at" {
		less = func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) }
	}
	if filter.Descending {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.Slice(out, less)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// requestLock returns the per-id mutex, creating it on first use.
func (m *Memory) requestLock(id string) *sync.Mutex {
	actual, _ := m.requestLocks.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *memRequests) Modify(
	_ context.Context,
	id string,
	update func(*model.Request) error,
) (*model.Request, error) {
	m := (*Memory)(s)

	lock := m.requestLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "ModifyRequest", id)
	}
	working := clone(r)
	m.mu.Unlock()

	if err := update(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.requests[id] = clone(working)
	m.mu.Unlock()

	m.emit(model.EventDBUpdate, "request", clone(working))
	return working, nil
}

func (s *memRequests) AddChild(ctx context.Context, parentID, childID string) error {
	_, err := s.Modify(ctx, parentID, func(r *model.Request) error {
		for _, c := range r.Children {
			if c == childID {
				return nil
			}
		}
		r.Children = append(r.Children, childID)
		return nil
	})
	return err
}

// ---- jobs ----

type memJobs Memory

func (s *memJobs) Create(_ context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return errors.WrapValidation(err, "Repository", "CreateJob", "validate job")
	}

	m := (*Memory)(s)
	m.mu.Lock()
	if job.ID == "" {
		job.ID = model.NewID()
	}
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateJob", job.ID)
	}
	if job.Status == "" {
		job.Status = model.JobRunning
	}
	m.jobs[job.ID] = clone(job)
	m.mu.Unlock()

	m.emit(model.EventDBCreate, "job", clone(job))
	return nil
}

func (s *memJobs) Get(_ context.Context, id string) (*model.Job, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "GetJob", id)
	}
	return clone(j), nil
}

func (s *memJobs) Update(_ context.Context, job *model.Job) (*model.Job, error) {
	m := (*Memory)(s)
	m.mu.Lock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "UpdateJob", job.ID)
	}
	stored := clone(job)
	m.jobs[job.ID] = stored
	m.mu.Unlock()

	m.emit(model.EventDBUpdate, "job", clone(stored))
	return clone(stored), nil
}

func (s *memJobs) Delete(_ context.Context, id string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return errors.WrapNotFound(errors.ErrNotFound, "Repository", "DeleteJob", id)
	}
	delete(m.jobs, id)
	m.mu.Unlock()

	m.emit(model.EventDBDelete, "job", clone(j))
	return nil
}

func (s *memJobs) List(_ context.Context) ([]*model.Job, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- topics ----

type memTopics Memory

func (s *memTopics) Create(_ context.Context, topic *model.Topic) error {
	if topic.Name == "" {
		return errors.WrapValidation(errors.ErrMissingParameter, "Repository", "CreateTopic", "topic name")
	}

	m := (*Memory)(s)
	m.mu.Lock()
	if _, exists := m.topicNames[topic.Name]; exists {
		m.mu.Unlock()
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateTopic", topic.Name)
	}
	if topic.ID == "" {
		topic.ID = model.NewID()
	}
	m.topics[topic.ID] = clone(topic)
	m.topicNames[topic.Name] = topic.ID
	m.mu.Unlock()

	m.emit(model.EventDBCreate, "topic", clone(topic))
	return nil
}

func (s *memTopics) Get(_ context.Context, id string) (*model.Topic, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[id]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "GetTopic", id)
	}
	return clone(t), nil
}

func (s *memTopics) GetByName(_ context.Context, name string) (*model.Topic, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.topicNames[name]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "GetTopicByName", name)
	}
	return clone(m.topics[id]), nil
}

func (s *memTopics) Update(_ context.Context, topic *model.Topic) (*model.Topic, error) {
	m := (*Memory)(s)
	m.mu.Lock()
	if _, ok := m.topics[topic.ID]; !ok {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "UpdateTopic", topic.ID)
	}
	stored := clone(topic)
	m.topics[topic.ID] = stored
	m.mu.Unlock()

	m.emit(model.EventDBUpdate, "topic", clone(stored))
	return clone(stored), nil
}

func (s *memTopics) Delete(_ context.Context, id string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	t, ok := m.topics[id]
	if !ok {
		m.mu.Unlock()
		return errors.WrapNotFound(errors.ErrNotFound, "Repository", "DeleteTopic", id)
	}
	delete(m.topics, id)
	delete(m.topicNames, t.Name)
	m.mu.Unlock()

	m.emit(model.EventDBDelete, "topic", clone(t))
	return nil
}

func (s *memTopics) List(_ context.Context) ([]*model.Topic, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Topic, 0, len(m.topics))
	for _, t := range m.topics {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- tokens ----

type memTokens Memory

func (s *memTokens) Create(_ context.Context, token *model.RefreshToken) error {
	m := (*Memory)(s)
	m.mu.Lock()
	if _, exists := m.tokens[token.UUID]; exists {
		m.mu.Unlock()
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateToken", token.UUID)
	}
	m.tokens[token.UUID] = clone(token)
	m.mu.Unlock()
	return nil
}

func (s *memTokens) Get(_ context.Context, uuid string) (*model.RefreshToken, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[uuid]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "GetToken", uuid)
	}
	return clone(t), nil
}

func (s *memTokens) Delete(_ context.Context, uuid string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[uuid]; !ok {
		return errors.WrapNotFound(errors.ErrNotFound, "Repository", "DeleteToken", uuid)
	}
	delete(m.tokens, uuid)
	return nil
}

func (s *memTokens) DeleteForUser(_ context.Context, user, exceptUUID string) error {
	m := (*Memory)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for uuid, t := range m.tokens {
		if t.User == user && uuid != exceptUUID {
			delete(m.tokens, uuid)
		}
	}
	return nil
}

// ---- users ----

type memUsers Memory

// cloneUser copies a user by value; the JSON clone helper would drop the
// password hash, which is excluded from serialization.
func cloneUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	return &c
}

func (s *memUsers) Create(_ context.Context, user *model.User) error {
	m := (*Memory)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.Username]; exists {
		return errors.WrapConflict(errors.ErrConflict, "Repository", "CreateUser", user.Username)
	}
	m.users[user.Username] = cloneUser(user)
	return nil
}

func (s *memUsers) Get(_ context.Context, username string) (*model.User, error) {
	m := (*Memory)(s)
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "GetUser", username)
	}
	return cloneUser(u), nil
}

func (s *memUsers) Update(_ context.Context, user *model.User) (*model.User, error) {
	m := (*Memory)(s)
	m.mu.Lock()
	if _, ok := m.users[user.Username]; !ok {
		m.mu.Unlock()
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Repository", "UpdateUser", user.Username)
	}
	stored := cloneUser(user)
	m.users[user.Username] = stored
	m.mu.Unlock()

	m.emit(model.EventUserUpdated, "user", cloneUser(stored))
	return cloneUser(stored), nil
}
