// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how message bodies are compressed at rest.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// ErrUnknownCompression is returned for unsupported compression names.
var ErrUnknownCompression = errors.New("unknown compression")

// Zstd encoder/decoder are safe for concurrent EncodeAll/DecodeAll use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// ParseCompression validates a compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionS2:
		return CompressionS2, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// Codec serializes messages for storage.
type Codec struct {
	compression Compression
}

// NewCodec creates a codec using the given body compression.
func NewCodec(c Compression) Codec {
	if c == "" {
		c = CompressionNone
	}
	return Codec{compression: c}
}

// Message serialization. Offset is positional and is not stored with the body.
type serializedMessage struct {
	Body             []byte            `json:"body,omitempty"`
	Compression      Compression       `json:"compression,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
	SystemProperties map[string]string `json:"system_properties,omitempty"`
	CreatedAt        int64             `json:"created_at,omitempty"` // Unix nano
}

// Encode serializes the message body and properties.
func (c Codec) Encode(m *Message) ([]byte, error) {
	body, err := compress(m.Body, c.compression)
	if err != nil {
		return nil, err
	}

	sm := serializedMessage{
		Body:             body,
		Compression:      c.compression,
		Properties:       m.Properties,
		SystemProperties: m.SystemProperties,
	}
	if !m.CreatedAt.IsZero() {
		sm.CreatedAt = m.CreatedAt.UnixNano()
	}
	return json.Marshal(sm)
}

// Decode restores a message encoded by any codec; the stored compression wins.
func (c Codec) Decode(data []byte) (*Message, error) {
	var sm serializedMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, err
	}

	body, err := decompress(sm.Body, sm.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}

	msg := &Message{
		Body:             body,
		Properties:       sm.Properties,
		SystemProperties: sm.SystemProperties,
		Offset:           -1,
	}
	if sm.CreatedAt > 0 {
		msg.CreatedAt = time.Unix(0, sm.CreatedAt)
	}
	return msg, nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch c {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case "", CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch c {
	case CompressionS2:
		// S2 decoder handles both S2 and legacy Snappy formats
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	case "", CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}
