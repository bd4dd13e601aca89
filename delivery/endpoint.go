// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/fluxedge/message"
)

// Endpoint is a downstream destination of messages.
type Endpoint interface {
	ID() string
	Send(ctx context.Context, msg *message.Message) error
}

var (
	_ Endpoint = (*HTTPEndpoint)(nil)
	_ Endpoint = (*LogEndpoint)(nil)
)

// HTTPEndpoint posts messages as JSON to a URL.
type HTTPEndpoint struct {
	id      string
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPEndpoint creates an endpoint that posts to url.
func NewHTTPEndpoint(id, url string, headers map[string]string, timeout time.Duration) *HTTPEndpoint {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPEndpoint{
		id:      id,
		url:     url,
		headers: headers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// ID returns the endpoint id.
func (e *HTTPEndpoint) ID() string {
	return e.id
}

type payload struct {
	ID               string            `json:"id"`
	Offset           int64             `json:"offset"`
	Body             []byte            `json:"body"`
	Properties       map[string]string `json:"properties,omitempty"`
	SystemProperties map[string]string `json:"system_properties,omitempty"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
}

// Send posts msg and succeeds on any 2xx response.
func (e *HTTPEndpoint) Send(ctx context.Context, msg *message.Message) error {
	id, _ := msg.ID()
	data, err := json.Marshal(payload{
		ID:               id,
		Offset:           msg.Offset,
		Body:             msg.Body,
		Properties:       msg.Properties,
		SystemProperties: msg.SystemProperties,
		EnqueuedAt:       msg.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Absmach-FluxEdge/1.0")
	for key, value := range e.headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}

// LogEndpoint logs every message it receives. It never fails.
type LogEndpoint struct {
	id     string
	logger *slog.Logger
}

// NewLogEndpoint creates a logging endpoint.
func NewLogEndpoint(id string, logger *slog.Logger) *LogEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEndpoint{id: id, logger: logger}
}

// ID returns the endpoint id.
func (e *LogEndpoint) ID() string {
	return e.id
}

// Send logs msg.
func (e *LogEndpoint) Send(ctx context.Context, msg *message.Message) error {
	id, _ := msg.ID()
	e.logger.Info("message delivered",
		slog.String("endpoint", e.id),
		slog.String("message_id", id),
		slog.Int64("offset", msg.Offset),
		slog.Int("size", len(msg.Body)))
	return nil
}
