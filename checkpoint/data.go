// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxedge/storage"
)

// InvalidOffset is the offset of a checkpoint that was never committed.
const InvalidOffset int64 = -1

// Table is the entity table checkpoints are persisted in.
const Table = "checkpoints"

// Data is the durable state of a checkpoint.
type Data struct {
	Offset                int64      `json:"offset"`
	LastFailedRevivalTime *time.Time `json:"last_failed_revival_time,omitempty"`
	UnhealthySince        *time.Time `json:"unhealthy_since,omitempty"`
}

// NewData returns checkpoint data without failure metadata.
func NewData(offset int64) Data {
	return Data{Offset: offset}
}

// Store persists checkpoint data by checkpoint id.
type Store interface {
	// Get returns the data for id, or Data{Offset: InvalidOffset} if unknown.
	Get(ctx context.Context, id string) (Data, error)

	// Set persists the data for id.
	Set(ctx context.Context, id string, data Data) error

	// All returns every persisted checkpoint.
	All(ctx context.Context) (map[string]Data, error)

	// Remove deletes the checkpoint for id.
	Remove(ctx context.Context, id string) error
}

var _ Store = (*EntityStore)(nil)

// EntityStore is a Store backed by a storage entity table.
type EntityStore struct {
	entities storage.EntityStore
}

// NewStore returns a checkpoint store over the checkpoints table of s.
func NewStore(s storage.Store) (*EntityStore, error) {
	es, err := s.Entities(Table)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint table: %w", err)
	}
	return &EntityStore{entities: es}, nil
}

// Get returns the data for id.
func (s *EntityStore) Get(ctx context.Context, id string) (Data, error) {
	raw, err := s.entities.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewData(InvalidOffset), nil
	}
	if err != nil {
		return Data{}, fmt.Errorf("failed to get checkpoint %s: %w", id, err)
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("failed to decode checkpoint %s: %w", id, err)
	}
	return d, nil
}

// Set persists the data for id.
func (s *EntityStore) Set(ctx context.Context, id string, data Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", id, err)
	}
	if err := s.entities.Put(ctx, id, raw); err != nil {
		return fmt.Errorf("failed to set checkpoint %s: %w", id, err)
	}
	return nil
}

// All returns every persisted checkpoint.
func (s *EntityStore) All(ctx context.Context) (map[string]Data, error) {
	all := make(map[string]Data)
	var decodeErr error
	err := s.entities.Iterate(ctx, func(key string, value []byte) bool {
		var d Data
		if err := json.Unmarshal(value, &d); err != nil {
			decodeErr = fmt.Errorf("failed to decode checkpoint %s: %w", key, err)
			return false
		}
		all[key] = d
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return all, nil
}

// Remove deletes the checkpoint for id.
func (s *EntityStore) Remove(ctx context.Context, id string) error {
	if err := s.entities.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove checkpoint %s: %w", id, err)
	}
	return nil
}
