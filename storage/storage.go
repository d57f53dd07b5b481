// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"sort"

	"github.com/absmach/smsinbound/sms"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// RowStore is the durable table of segments that have not been fully
// delivered yet. Every mutation must be durable before the call returns.
type RowStore interface {
	// Insert stores a row and returns its generated, non-zero ID.
	Insert(row *Row) (uint64, error)

	// Lookup returns every row of a message, soft-deleted ones included,
	// ordered by sequence number and then ID.
	Lookup(key sms.MessageKey) ([]*Row, error)

	// List returns every stored row.
	List() ([]*Row, error)

	// SoftDelete flags the selected rows as deleted and returns how many
	// rows changed. Multi-part selectors only match rows not yet deleted.
	SoftDelete(sel sms.Selector) (int, error)

	// HardDelete removes the selected rows. Multi-part selectors only match
	// soft-deleted rows, so a newer message reusing the key is untouched.
	HardDelete(sel sms.Selector) (int, error)

	// Close closes the store.
	Close() error
}

// Row is the persisted form of a tracker.
type Row struct {
	ID        uint64 `json:"id"`
	Address   string `json:"address"`
	Reference int    `json:"reference"`
	Sequence  int    `json:"sequence"`
	Count     int    `json:"count"`
	Port      int    `json:"port"`
	Format    uint8  `json:"format"`
	// Timestamp is the transport send time in Unix milliseconds.
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
	Body      string `json:"body,omitempty"`
	Deleted   bool   `json:"deleted"`
}

// Key returns the message identity of the row.
func (r *Row) Key() sms.MessageKey {
	return sms.MessageKey{Address: r.Address, Reference: r.Reference, Count: r.Count}
}

// Copy returns a deep copy of the row.
func (r *Row) Copy() *Row {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	return &cp
}

// Matches reports whether the selector selects r for the given operation.
func Matches(sel sms.Selector, r *Row) bool {
	if !sel.Multi {
		return sel.ID != 0 && r.ID == sel.ID
	}
	return r.Key() == sel.Key
}

// SortRows orders rows by sequence number and then ID.
func SortRows(rows []*Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Sequence != rows[j].Sequence {
			return rows[i].Sequence < rows[j].Sequence
		}
		return rows[i].ID < rows[j].ID
	})
}
