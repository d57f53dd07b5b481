// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
)

// Completion is a message whose segments are all stored.
type Completion struct {
	Key       sms.MessageKey
	Payloads  [][]byte
	Port      int
	Format    sms.Format
	Timestamp time.Time
	Selector  sms.Selector
}

// Message builds the message handed to the broadcast coordinator.
func (c *Completion) Message() *sms.Message {
	return &sms.Message{
		Address:   c.Key.Address,
		Payloads:  c.Payloads,
		Port:      c.Port,
		Format:    c.Format,
		Timestamp: c.Timestamp,
	}
}

// Reassembler decides whether a stored segment completes its message.
type Reassembler struct {
	store  *RawStore
	logger *slog.Logger
}

// NewReassembler creates a reassembler over store.
func NewReassembler(store *RawStore, logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{store: store, logger: logger}
}

// TryComplete returns the completed message for a persisted tracker, or
// nil while segments are missing. Calling it again for any later segment
// repeats the same lookup, so arrival order does not matter.
func (r *Reassembler) TryComplete(t sms.Tracker) (*Completion, error) {
	if !t.IsMultipart() {
		return &Completion{
			Key:       t.Key(),
			Payloads:  [][]byte{t.Payload()},
			Port:      t.Port(),
			Format:    t.Format(),
			Timestamp: t.Timestamp(),
			Selector:  t.Selector(),
		}, nil
	}

	rows, err := r.store.LookupSegments(t.Key())
	if err != nil {
		return nil, fmt.Errorf("lookup segments: %w", err)
	}

	c, err := assemble(t.Key(), t.Format(), rows)
	if err != nil {
		r.logger.Warn("reassembly_rejected",
			slog.String("key", t.Key().String()),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if c == nil {
		r.logger.Debug("reassembly_incomplete",
			slog.String("key", t.Key().String()),
			slog.Int("have", len(rows)))
		return nil, nil
	}
	c.Selector = t.Selector()
	return c, nil
}

// assemble orders the rows of a multi-part message. It returns nil, nil
// while sequence numbers are missing and an error when a present segment
// cannot be placed.
func assemble(key sms.MessageKey, format sms.Format, rows []*storage.Row) (*Completion, error) {
	seen := make(map[int]bool, len(rows))
	for _, row := range rows {
		seen[row.Sequence] = true
	}
	if len(seen) < key.Count {
		return nil, nil
	}

	// The first segment's port routes the whole message.
	var first *storage.Row
	for _, row := range rows {
		if row.Sequence == sms.IndexOffset(format, row.Port) {
			first = row
			break
		}
	}
	port := sms.PortText
	offset := 1
	if first != nil {
		port = first.Port
		offset = sms.IndexOffset(format, first.Port)
	}

	payloads := make([][]byte, key.Count)
	for _, row := range rows {
		idx := row.Sequence - offset
		if idx < 0 || idx >= key.Count {
			return nil, fmt.Errorf("sequence %d out of range", row.Sequence)
		}
		if payloads[idx] == nil {
			payloads[idx] = row.Payload
		}
	}
	for i, p := range payloads {
		if p == nil {
			return nil, fmt.Errorf("segment %d has no payload", i+offset)
		}
	}

	c := &Completion{
		Key:      key,
		Payloads: payloads,
		Port:     port,
		Format:   format,
	}
	if first != nil {
		c.Timestamp = rowTime(first)
	}
	return c, nil
}
