// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
)

// ErrDuplicate reports a segment that was already stored. It is not a
// failure: the transport is acknowledged as handled.
var ErrDuplicate = errors.New("segment already delivered")

// RawStore persists trackers as raw rows and applies the dedup filter.
type RawStore struct {
	rows   storage.RowStore
	logger *slog.Logger
}

// NewRawStore wraps a row store.
func NewRawStore(rows storage.RowStore, logger *slog.Logger) *RawStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawStore{rows: rows, logger: logger}
}

// Insert stores t unless it duplicates an existing row, and returns t bound
// to the selector that deletes the message's rows on completion.
func (s *RawStore) Insert(t sms.Tracker) (sms.Tracker, error) {
	existing, err := s.rows.Lookup(t.Key())
	if err != nil {
		return t, fmt.Errorf("dedup lookup: %w", err)
	}
	if dup, ok := findDuplicate(t, existing); ok {
		if !payloadEqual(dup.Payload, t.Payload()) {
			s.logger.Warn("duplicate_payload_mismatch",
				slog.String("key", t.Key().String()),
				slog.Int("sequence", t.Sequence()),
				slog.Uint64("row", dup.ID))
		}
		return t, ErrDuplicate
	}

	id, err := s.rows.Insert(toRow(t))
	if err != nil {
		return t, fmt.Errorf("insert row: %w", err)
	}

	sel := sms.Selector{ID: id}
	if t.IsMultipart() {
		sel = sms.Selector{Key: t.Key(), Multi: true}
	}
	return t.WithSelector(sel), nil
}

// LookupSegments returns the live (not soft-deleted) rows of a message.
func (s *RawStore) LookupSegments(key sms.MessageKey) ([]*storage.Row, error) {
	rows, err := s.rows.Lookup(key)
	if err != nil {
		return nil, err
	}
	live := rows[:0]
	for _, r := range rows {
		if !r.Deleted {
			live = append(live, r)
		}
	}
	return live, nil
}

// SoftDelete flags the selected rows as deleted.
func (s *RawStore) SoftDelete(sel sms.Selector) error {
	_, err := s.rows.SoftDelete(sel)
	return err
}

// HardDelete removes the selected rows.
func (s *RawStore) HardDelete(sel sms.Selector) error {
	n, err := s.rows.HardDelete(sel)
	if err != nil {
		return err
	}
	s.logger.Debug("raw_rows_deleted", slog.String("selector", sel.String()), slog.Int("rows", n))
	return nil
}

// Pending returns every row left by earlier runs.
func (s *RawStore) Pending() ([]*storage.Row, error) {
	return s.rows.List()
}

func toRow(t sms.Tracker) *storage.Row {
	return &storage.Row{
		Address:   t.Address(),
		Reference: t.Reference(),
		Sequence:  t.Sequence(),
		Count:     t.Count(),
		Port:      t.Port(),
		Format:    uint8(t.Format()),
		Timestamp: t.Timestamp().UnixMilli(),
		Payload:   t.Payload(),
		Body:      t.Body(),
	}
}

func rowTime(r *storage.Row) time.Time {
	return time.UnixMilli(r.Timestamp)
}
