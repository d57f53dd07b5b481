// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"context"

	"github.com/absmach/smsinbound/sms"
)

// Blocklist drops messages from listed originating addresses or to listed
// destination ports.
type Blocklist struct {
	addresses map[string]struct{}
	ports     map[int]struct{}
}

var _ Gateway = (*Blocklist)(nil)

// NewBlocklist creates a blocklist gateway.
func NewBlocklist(addresses []string, ports []int) *Blocklist {
	b := &Blocklist{
		addresses: make(map[string]struct{}, len(addresses)),
		ports:     make(map[int]struct{}, len(ports)),
	}
	for _, a := range addresses {
		b.addresses[a] = struct{}{}
	}
	for _, p := range ports {
		b.ports[p] = struct{}{}
	}
	return b
}

// Filter implements Gateway.
func (b *Blocklist) Filter(_ context.Context, msg *sms.Message, _ func(Verdict)) Verdict {
	if _, ok := b.addresses[msg.Address]; ok {
		return Drop
	}
	if _, ok := b.ports[msg.Port]; ok {
		return Drop
	}
	return Deliver
}
