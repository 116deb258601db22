package model_test

import (
	"testing"

	"github.com/beer-garden/beer-garden/model"
	"github.com/stretchr/testify/assert"
)

func TestTopicNameMatches(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		published string
		matches   bool
	}{
		{"exact", "sensors.temp", "sensors.temp", true},
		{"exact miss", "sensors.temp", "sensors.humidity", false},
		{"segment wildcard", "sensors.*", "sensors.temp", true},
		{"wildcard stays in segment", "sensors.*", "sensors.temp.indoor", false},
		{"middle wildcard", "sensors.*.indoor", "sensors.temp.indoor", true},
		{"full wildcard", "*", "sensors", true},
		{"full wildcard multi segment", "*", "sensors.temp", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := &model.Topic{Name: tt.topic}
			assert.Equal(t, tt.matches, topic.NameMatches(tt.published))
		})
	}
}

func TestSubscriberMatches(t *testing.T) {
	tests := []struct {
		name    string
		sub     model.Subscriber
		matches bool
	}{
		{
			name: "exact tuple",
			sub: model.Subscriber{
				Garden: "local", Namespace: "prod", System: "echo",
				Version: "1.0.0", Instance: "default", Command: "say",
			},
			matches: true,
		},
		{
			name:    "empty fields match anything",
			sub:     model.Subscriber{System: "echo"},
			matches: true,
		},
		{
			name:    "star fields match anything",
			sub:     model.Subscriber{Garden: "*", System: "echo", Command: "*"},
			matches: true,
		},
		{
			name:    "one mismatched field rejects",
			sub:     model.Subscriber{System: "echo", Command: "shout"},
			matches: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sub.Matches("local", "prod", "echo", "1.0.0", "default", "say")
			assert.Equal(t, tt.matches, got)
		})
	}
}

func TestSubscriberEquals(t *testing.T) {
	a := &model.Subscriber{System: "echo", Command: "say", SubscriberType: model.SubscriberAnnotated}
	b := &model.Subscriber{System: "echo", Command: "say", SubscriberType: model.SubscriberDynamic}
	c := &model.Subscriber{System: "echo", Command: "shout"}

	// SubscriberType is bookkeeping, not identity.
	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(c))
}
