// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package msgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/storage"
)

// Iterator is a forward cursor over an endpoint queue. It is not a snapshot:
// every call reads the queue as it is. It must not be shared by concurrent
// readers.
type Iterator struct {
	store      *Store
	endpointID string
	next       int64
}

// Offset returns the offset the next read starts at.
func (it *Iterator) Offset() int64 {
	return it.next
}

// Next returns up to batchSize messages in offset order. References whose
// body is gone or whose TTL elapsed are skipped. The cursor moves past the
// last entry read even if it was skipped. A read failure ends the batch before
// the failing entry. Failures are logged, never returned.
func (it *Iterator) Next(ctx context.Context, batchSize int) []*message.Message {
	s := it.store
	logger := s.logger.With(slog.String("queue", it.endpointID))

	ep, err := s.endpoint(it.endpointID)
	if err != nil {
		logger.Warn("failed to read queue", slog.String("error", err.Error()))
		return []*message.Message{}
	}

	entries, err := ep.log.GetBatch(ctx, it.next, batchSize)
	if err != nil {
		if !isCancellation(err) {
			logger.Error("failed to read queue",
				slog.Int64("offset", it.next),
				slog.String("error", err.Error()))
		}
		return []*message.Message{}
	}
	if len(entries) == 0 {
		return []*message.Message{}
	}

	now := s.opts.Now()
	msgs := make([]*message.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := it.resolve(ctx, e, now)
		switch {
		case err == nil:
		case errors.Is(err, errMissingBody), errors.Is(err, errCorruptEntry):
			logger.Warn("skipping message",
				slog.Int64("offset", e.Offset),
				slog.String("error", err.Error()))
			continue
		default:
			// Stop before the entry so the next call retries it.
			if !isCancellation(err) {
				logger.Error("failed to load message",
					slog.Int64("offset", e.Offset),
					slog.String("error", err.Error()))
			}
			it.next = e.Offset
			return msgs
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}

	it.next = entries[len(entries)-1].Offset + 1
	return msgs
}

// resolve loads the body of a queue entry. It returns nil without error for
// expired entries.
func (it *Iterator) resolve(ctx context.Context, e storage.Entry, now time.Time) (*message.Message, error) {
	s := it.store

	ref, err := decodeRef(e.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptEntry, err)
	}
	if ref.expired(now) {
		s.logger.Debug("skipping expired message",
			slog.String("queue", it.endpointID),
			slog.Int64("offset", e.Offset),
			slog.String("message_id", ref.MessageID))
		return nil, nil
	}

	raw, err := s.bodies.Get(ctx, ref.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", errMissingBody, ref.MessageID)
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeBody(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptEntry, err)
	}
	msg, err := s.opts.Codec.Decode(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptEntry, err)
	}

	msg.Offset = e.Offset
	msg.EnqueuedAt = ref.enqueuedAt()
	if msg.SystemProperties == nil {
		msg.SystemProperties = make(map[string]string)
	}
	msg.SystemProperties[message.EnqueuedTimeProperty] = msg.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	return msg, nil
}

var (
	errMissingBody  = errors.New("message body not found")
	errCorruptEntry = errors.New("corrupt queue entry")
)

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
