// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"context"

	"github.com/absmach/smsinbound/sms"
)

// Consumer receives completed messages. Returning from Deliver is the
// acknowledgement; an error marks the consumer as failed for this message.
// Implementations must return promptly once ctx is done.
type Consumer interface {
	Name() string
	Interested(msg *sms.Message) bool
	Deliver(ctx context.Context, msg *sms.Message) error
}

type funcConsumer struct {
	name    string
	match   func(*sms.Message) bool
	deliver func(context.Context, *sms.Message) error
}

// NewConsumerFunc adapts functions to the Consumer interface. A nil match
// accepts every message.
func NewConsumerFunc(name string, match func(*sms.Message) bool, deliver func(context.Context, *sms.Message) error) Consumer {
	return &funcConsumer{name: name, match: match, deliver: deliver}
}

func (c *funcConsumer) Name() string { return c.name }

func (c *funcConsumer) Interested(msg *sms.Message) bool {
	return c.match == nil || c.match(msg)
}

func (c *funcConsumer) Deliver(ctx context.Context, msg *sms.Message) error {
	return c.deliver(ctx, msg)
}

// TextOnly matches plain text messages.
func TextOnly(msg *sms.Message) bool {
	return msg.IsText()
}

// PortsOnly returns a matcher for port-addressed messages to the given ports.
func PortsOnly(ports ...int) func(*sms.Message) bool {
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return func(msg *sms.Message) bool {
		_, ok := set[msg.Port]
		return ok
	}
}
