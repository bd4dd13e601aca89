// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"time"

	"github.com/absmach/fluxedge/message"
)

// registry is the part of the master a child calls back into.
type registry interface {
	lock(ctx context.Context) error
	unlock()
	unregister(childID string)
	recomputeFromChild(ctx context.Context, successful, remaining []*message.Message) error
}

var _ Checkpointer = (*child)(nil)

// child forwards to its own checkpointer and routes Propose and Commit
// through the master's lock.
type child struct {
	id  string
	cp  *QueueCheckpointer
	reg registry
}

func (c *child) ID() string                        { return c.id }
func (c *child) Offset() int64                     { return c.cp.Offset() }
func (c *child) Proposed() int64                   { return c.cp.Proposed() }
func (c *child) HasOutstanding() bool              { return c.cp.HasOutstanding() }
func (c *child) LastFailedRevivalTime() *time.Time { return c.cp.LastFailedRevivalTime() }
func (c *child) UnhealthySince() *time.Time        { return c.cp.UnhealthySince() }
func (c *child) Admit(msg *message.Message) bool   { return c.cp.Admit(msg) }

func (c *child) Propose(ctx context.Context, msg *message.Message) error {
	if err := c.reg.lock(ctx); err != nil {
		return err
	}
	defer c.reg.unlock()

	return c.cp.Propose(ctx, msg)
}

func (c *child) Commit(ctx context.Context, successful, remaining []*message.Message, failure Failure) error {
	if err := c.reg.lock(ctx); err != nil {
		return err
	}
	defer c.reg.unlock()

	if err := c.cp.Commit(ctx, successful, remaining, failure); err != nil {
		return err
	}
	return c.reg.recomputeFromChild(ctx, successful, remaining)
}

// Close unregisters from the master before closing, so a closed child no
// longer holds the aggregate back. Unregistering happens even if ctx is done.
func (c *child) Close(ctx context.Context) error {
	if err := c.reg.lock(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	c.reg.unregister(c.id)
	c.reg.unlock()

	return c.cp.Close(ctx)
}
