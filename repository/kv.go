package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/pkg/retry"
)

// KVBuckets names the JetStream KV buckets backing each evented entity.
var KVBuckets = map[string]string{
	"garden":  "beergarden_gardens",
	"system":  "beergarden_systems",
	"request": "beergarden_requests",
	"job":     "beergarden_jobs",
	"topic":   "beergarden_topics",
}

// EventSource is the slice of the event bus the mirror needs.
type EventSource interface {
	SubscribeNames(handler eventbus.Handler, names ...model.EventName) func()
}

// Mirror persists repository state to NATS JetStream KV buckets. It
// subscribes to the DB_* change events the repository emits and writes each
// post-image through, so the memory engine stays the single code path for
// queries while restarts recover from KV.
type Mirror struct {
	buckets     map[string]jetstream.KeyValue
	logger      *slog.Logger
	unsubscribe func()
}

// NewMirror provisions the KV buckets.
func NewMirror(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		buckets: make(map[string]jetstream.KeyValue, len(KVBuckets)),
		logger:  logger.With("component", "repository.mirror"),
	}
	for payloadType, bucketName := range KVBuckets {
		bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
			kv, err := js.KeyValue(ctx, bucketName)
			if err == nil {
				return kv, nil
			}
			return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
				Bucket:      bucketName,
				Description: "beer-garden " + payloadType + " store",
				History:     5,
			})
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "Mirror", "NewMirror",
				fmt.Sprintf("provision bucket %s", bucketName))
		}
		m.buckets[payloadType] = bucket
	}
	return m, nil
}

// Attach subscribes the mirror to repository change events.
func (m *Mirror) Attach(bus EventSource) {
	m.unsubscribe = bus.SubscribeNames(m.handle,
		model.EventDBCreate, model.EventDBUpdate, model.EventDBDelete)
}

// Detach stops mirroring.
func (m *Mirror) Detach() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

func (m *Mirror) handle(event model.Event) {
	bucket, ok := m.buckets[event.PayloadType]
	if !ok {
		return
	}
	key := entityKey(event.PayloadType, event.Payload)
	if key == "" {
		m.logger.Warn("change event without identifiable key", "payload_type", event.PayloadType)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if event.Name == model.EventDBDelete {
		err = bucket.Delete(ctx, key)
	} else {
		var data []byte
		data, err = json.Marshal(event.Payload)
		if err == nil {
			_, err = bucket.Put(ctx, key, data)
		}
	}
	if err != nil {
		m.logger.Error("mirror write failed",
			"payload_type", event.PayloadType, "key", key, "error", err)
	}
}

// entityKey extracts the KV key for a change payload. Payloads arrive as
// typed models from in-process emitters.
func entityKey(payloadType string, payload any) string {
	switch v := payload.(type) {
	case *model.Garden:
		return sanitizeKey(v.Name)
	case *model.System:
		return sanitizeKey(v.ID)
	case *model.Request:
		return sanitizeKey(v.ID)
	case *model.Job:
		return sanitizeKey(v.ID)
	case *model.Topic:
		return sanitizeKey(v.ID)
	}
	_ = payloadType
	return ""
}

// sanitizeKey maps entity identifiers onto the KV key alphabet.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// Restore loads every persisted entity back into the repository. Called
// once at startup before the event bus is attached, so the loads do not
// re-mirror.
func (m *Mirror) Restore(ctx context.Context, repo Repository) error {
	if err := m.restoreEntity(ctx, "garden", func(data []byte) error {
		var g model.Garden
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		return repo.Gardens().Create(ctx, &g)
	}); err != nil {
		return err
	}
	if err := m.restoreEntity(ctx, "system", func(data []byte) error {
		var s model.System
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return repo.Systems().Create(ctx, &s)
	}); err != nil {
		return err
	}
	if err := m.restoreEntity(ctx, "request", func(data []byte) error {
		var r model.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		return repo.Requests().Create(ctx, &r)
	}); err != nil {
		return err
	}
	if err := m.restoreEntity(ctx, "job", func(data []byte) error {
		var j model.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		return repo.Jobs().Create(ctx, &j)
	}); err != nil {
		return err
	}
	return m.restoreEntity(ctx, "topic", func(data []byte) error {
		var t model.Topic
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		return repo.Topics().Create(ctx, &t)
	})
}

func (m *Mirror) restoreEntity(ctx context.Context, payloadType string, load func([]byte) error) error {
	bucket := m.buckets[payloadType]
	lister, err := bucket.ListKeys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Mirror", "Restore", "list "+payloadType+" keys")
	}
	for key := range lister.Keys() {
		entry, err := bucket.Get(ctx, key)
		if err != nil {
			m.logger.Error("restore read failed", "payload_type", payloadType, "key", key, "error", err)
			continue
		}
		if err := load(entry.Value()); err != nil {
			// A conflict means the entity was already seeded; anything else
			// is a corrupt row that should not block startup.
			if !errors.IsConflict(err) {
				m.logger.Error("restore load failed",
					"payload_type", payloadType, "key", key, "error", err)
			}
		}
	}
	return nil
}
