package model

import (
	"path"
	"strings"
)

// SubscriberType identifies how a subscriber was registered.
type SubscriberType string

// Subscriber types.
const (
	SubscriberAnnotated SubscriberType = "ANNOTATED"
	SubscriberGenerated SubscriberType = "GENERATED"
	SubscriberDynamic   SubscriberType = "DYNAMIC"
)

// Subscriber is a partial target tuple registered on a Topic. A "*" or
// empty component matches any published value; the subscriber matches when
// every non-empty field equals the corresponding published value.
type Subscriber struct {
	Garden         string         `json:"garden,omitempty"`
	Namespace      string         `json:"namespace,omitempty"`
	System         string         `json:"system,omitempty"`
	Version        string         `json:"version,omitempty"`
	Instance       string         `json:"instance,omitempty"`
	Command        string         `json:"command,omitempty"`
	SubscriberType SubscriberType `json:"subscriber_type,omitempty"`
	ConsumerCount  int            `json:"consumer_count,omitempty"`
}

// fieldMatches applies the wildcard rule for one tuple component.
func fieldMatches(want, got string) bool {
	return want == "" || want == "*" || want == got
}

// Matches reports whether the subscriber matches a publish against the
// given target tuple.
func (s *Subscriber) Matches(garden, namespace, system, version, instance, command string) bool {
	return fieldMatches(s.Garden, garden) &&
		fieldMatches(s.Namespace, namespace) &&
		fieldMatches(s.System, system) &&
		fieldMatches(s.Version, version) &&
		fieldMatches(s.Instance, instance) &&
		fieldMatches(s.Command, command)
}

// Equals reports whether two subscribers name the same tuple.
func (s *Subscriber) Equals(other *Subscriber) bool {
	return s.Garden == other.Garden &&
		s.Namespace == other.Namespace &&
		s.System == other.System &&
		s.Version == other.Version &&
		s.Instance == other.Instance &&
		s.Command == other.Command
}

// Topic is a named fanout point. Publishing to a topic creates one child
// request per matching subscriber.
type Topic struct {
	ID             string        `json:"id,omitempty"`
	Name           string        `json:"name"`
	Subscribers    []*Subscriber `json:"subscribers,omitempty"`
	PublisherCount int           `json:"publisher_count,omitempty"`
}

// NameMatches reports whether a published topic name matches this topic's
// name either exactly or via "*" wildcards in dot-separated segments.
func (t *Topic) NameMatches(published string) bool {
	if t.Name == published {
		return true
	}
	if !strings.Contains(t.Name, "*") {
		return false
	}
	// path.Match gives glob semantics; normalize dots to slashes so "*"
	// stays within one topic segment.
	pattern := strings.ReplaceAll(t.Name, ".", "/")
	target := strings.ReplaceAll(published, ".", "/")
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}
