// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the message value routed through the edge store and
// the codec used to persist its body.
package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// System property keys.
const (
	// IDProperty carries the globally unique identifier of a message. A single
	// stored body is shared by every queue that references this id.
	IDProperty = "edgeMessageId"

	// EnqueuedTimeProperty is set by the store when the message is appended.
	EnqueuedTimeProperty = "enqueuedTime"
)

// Message represents a message flowing from a producer to downstream endpoints.
type Message struct {
	Body             []byte
	Properties       map[string]string
	SystemProperties map[string]string

	// Offset is the position of the message in the queue it was read from.
	// It is only meaningful on messages returned by the store.
	Offset int64

	// EnqueuedAt is the time the message was appended to its queue.
	EnqueuedAt time.Time

	// CreatedAt is the time the body was first persisted.
	CreatedAt time.Time
}

// New creates a message with a freshly generated id.
func New(body []byte, properties map[string]string) *Message {
	return &Message{
		Body:       body,
		Properties: properties,
		SystemProperties: map[string]string{
			IDProperty: uuid.New().String(),
		},
		Offset: -1,
	}
}

// ID returns the unique message id and whether it is present.
func (m *Message) ID() (string, bool) {
	if m == nil || m.SystemProperties == nil {
		return "", false
	}
	id, ok := m.SystemProperties[IDProperty]
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Clone creates a deep copy of a message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	cp := *m
	if m.Body != nil {
		cp.Body = make([]byte, len(m.Body))
		copy(cp.Body, m.Body)
	}
	cp.Properties = maps.Clone(m.Properties)
	cp.SystemProperties = maps.Clone(m.SystemProperties)
	return &cp
}
