// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// mailbox is the coordinator's unbounded FIFO event queue. It also keeps
// a ring of recent transitions for diagnostics.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	notify chan struct{}
	closed bool

	history []string
	next    int
	full    bool
}

func newMailbox(historySize int) *mailbox {
	if historySize <= 0 {
		historySize = 32
	}
	return &mailbox{
		notify:  make(chan struct{}, 1),
		history: make([]string, historySize),
	}
}

// post appends ev. It reports false once the mailbox is closed.
func (m *mailbox) post(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.wake()
	return true
}

// pushFront puts evs ahead of every queued event, keeping their order.
func (m *mailbox) pushFront(evs []event) {
	if len(evs) == 0 {
		return
	}
	m.mu.Lock()
	q := make([]event, 0, len(evs)+len(m.queue))
	q = append(q, evs...)
	m.queue = append(q, m.queue...)
	m.mu.Unlock()
	m.wake()
}

// receive blocks until an event is queued. It returns false when the
// mailbox is closed or ctx is done.
func (m *mailbox) receive(ctx context.Context) (event, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return event{}, false
		}
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue[0] = event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return ev, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return event{}, false
		}
	}
}

// close rejects further posts and stops receive.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// drain removes and returns the queued events.
func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	rest := m.queue
	m.queue = nil
	return rest
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) record(from State, k eventKind, to State, acts []action) {
	names := make([]string, len(acts))
	for i, a := range acts {
		names[i] = a.String()
	}
	line := fmt.Sprintf("%s %s %s -> %s [%s]",
		time.Now().Format(time.RFC3339Nano), from, k, to, strings.Join(names, ","))

	m.mu.Lock()
	m.history[m.next] = line
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// dump returns the recorded transitions, oldest first.
func (m *mailbox) dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	start, n := 0, m.next
	if m.full {
		start, n = m.next, len(m.history)
	}
	for i := 0; i < n; i++ {
		b.WriteString(m.history[(start+i)%len(m.history)])
		b.WriteByte('\n')
	}
	return b.String()
}
