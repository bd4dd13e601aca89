// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package msgstore

import (
	"encoding/json"
	"time"
)

// bodyRecord is the stored message body shared by all queues.
type bodyRecord struct {
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"` // Unix nano
	RefCount  int64  `json:"ref_count"`
}

// refRecord is the queue entry pointing at a body.
type refRecord struct {
	MessageID  string `json:"message_id"`
	EnqueuedAt int64  `json:"enqueued_at"` // Unix nano
	TimeToLive int64  `json:"ttl"`         // Nanoseconds
}

func (r refRecord) enqueuedAt() time.Time {
	return time.Unix(0, r.EnqueuedAt)
}

func (r refRecord) expired(now time.Time) bool {
	return !now.Before(r.enqueuedAt().Add(time.Duration(r.TimeToLive)))
}

func encodeBody(r bodyRecord) ([]byte, error) {
	return json.Marshal(r)
}

func decodeBody(data []byte) (bodyRecord, error) {
	var r bodyRecord
	err := json.Unmarshal(data, &r)
	return r, err
}

func encodeRef(r refRecord) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRef(data []byte) (refRecord, error) {
	var r refRecord
	err := json.Unmarshal(data, &r)
	return r, err
}
