// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sms

import (
	"fmt"
	"time"
)

const (
	// PortText marks a plain text message with no application port.
	PortText = -1

	// PortWAPPush is the WAP push port. Secondary format segments sent to
	// it number their sequence from zero.
	PortWAPPush = 2948
)

// MessageKey identifies a logical message across its segments.
type MessageKey struct {
	Address   string
	Reference int
	Count     int
}

func (k MessageKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Address, k.Reference, k.Count)
}

// Selector identifies the stored rows removed when a message completes.
// Single-part messages are selected by row ID, multi-part ones by key.
type Selector struct {
	ID  uint64
	Key MessageKey
	// Multi reports whether Key (rather than ID) selects the rows.
	Multi bool
}

// IsZero reports whether the selector was never assigned.
func (s Selector) IsZero() bool {
	return s.ID == 0 && !s.Multi
}

func (s Selector) String() string {
	if s.Multi {
		return "key:" + s.Key.String()
	}
	return fmt.Sprintf("id:%d", s.ID)
}

// TrackerParams carries the fields needed to build a Tracker.
type TrackerParams struct {
	Payload   []byte
	Timestamp time.Time
	// Port is the destination port, PortText for plain text.
	Port      int
	Format    Format
	Address   string
	Reference int
	Sequence  int
	Count     int
	Body      string
}

// Tracker describes one received segment. It is never mutated after
// construction; WithSelector returns a copy.
type Tracker struct {
	payload   []byte
	timestamp time.Time
	port      int
	format    Format
	address   string
	reference int
	sequence  int
	count     int
	body      string
	selector  Selector
}

// NewTracker validates p and builds a Tracker. Single-part messages are
// normalised to reference 0, sequence 1 (or the format's index offset) and
// count 1.
func NewTracker(p TrackerParams) (Tracker, error) {
	if p.Address == "" {
		return Tracker{}, fmt.Errorf("%w: empty originating address", ErrUnroutable)
	}
	if p.Count == 0 {
		p.Count = 1
	}
	if p.Count < 1 || p.Count > 255 {
		return Tracker{}, fmt.Errorf("%w: segment count %d", ErrMalformed, p.Count)
	}
	if p.Port < PortText || p.Port > 0xFFFF {
		return Tracker{}, fmt.Errorf("%w: destination port %d", ErrUnroutable, p.Port)
	}

	t := Tracker{
		payload:   append([]byte(nil), p.Payload...),
		timestamp: p.Timestamp,
		port:      p.Port,
		format:    p.Format,
		address:   p.Address,
		reference: p.Reference,
		sequence:  p.Sequence,
		count:     p.Count,
	}
	if t.count == 1 {
		t.reference = 0
		t.sequence = t.IndexOffset()
		t.body = p.Body
	}
	off := t.IndexOffset()
	if t.sequence < off || t.sequence >= off+t.count {
		return Tracker{}, fmt.Errorf("%w: sequence %d outside [%d,%d]", ErrMalformed, t.sequence, off, off+t.count-1)
	}
	return t, nil
}

func (t Tracker) Payload() []byte      { return t.payload }
func (t Tracker) Timestamp() time.Time { return t.timestamp }
func (t Tracker) Port() int            { return t.port }
func (t Tracker) Format() Format       { return t.format }
func (t Tracker) Address() string      { return t.address }
func (t Tracker) Reference() int       { return t.reference }
func (t Tracker) Sequence() int        { return t.sequence }
func (t Tracker) Count() int           { return t.count }
func (t Tracker) Body() string         { return t.body }
func (t Tracker) Selector() Selector   { return t.selector }

// IsText reports whether the segment carries no application port.
func (t Tracker) IsText() bool { return t.port == PortText }

// IsMultipart reports whether the message spans several segments.
func (t Tracker) IsMultipart() bool { return t.count > 1 }

// Key returns the identity shared by all segments of the message.
func (t Tracker) Key() MessageKey {
	return MessageKey{Address: t.address, Reference: t.reference, Count: t.count}
}

// IndexOffset is the first sequence number used by this segment's message.
func (t Tracker) IndexOffset() int {
	return IndexOffset(t.format, t.port)
}

// WithSelector returns a copy of t bound to the stored rows.
func (t Tracker) WithSelector(s Selector) Tracker {
	t.selector = s
	return t
}

// IndexOffset returns the first sequence number for a format and port.
func IndexOffset(f Format, port int) int {
	if f == FormatSecondary && port == PortWAPPush {
		return 0
	}
	return 1
}
