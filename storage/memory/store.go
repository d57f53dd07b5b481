// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
)

var _ storage.RowStore = (*Store)(nil)

// Store is an in-memory row store. It is durable only for the lifetime of
// the process and is meant for tests and ephemeral deployments.
type Store struct {
	mu     sync.RWMutex
	rows   map[uint64]*storage.Row
	nextID uint64
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		rows: make(map[uint64]*storage.Row),
	}
}

// Insert stores a copy of row.
func (s *Store) Insert(row *storage.Row) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	s.nextID++
	cp := row.Copy()
	cp.ID = s.nextID
	s.rows[cp.ID] = cp
	return cp.ID, nil
}

// Lookup returns all rows of a message.
func (s *Store) Lookup(key sms.MessageKey) ([]*storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	var result []*storage.Row
	for _, r := range s.rows {
		if r.Key() == key {
			result = append(result, r.Copy())
		}
	}
	storage.SortRows(result)
	return result, nil
}

// List returns all rows.
func (s *Store) List() ([]*storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	result := make([]*storage.Row, 0, len(s.rows))
	for _, r := range s.rows {
		result = append(result, r.Copy())
	}
	storage.SortRows(result)
	return result, nil
}

// SoftDelete flags the selected rows as deleted.
func (s *Store) SoftDelete(sel sms.Selector) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	n := 0
	for _, r := range s.rows {
		if r.Deleted || !storage.Matches(sel, r) {
			continue
		}
		r.Deleted = true
		n++
	}
	return n, nil
}

// HardDelete removes the selected rows.
func (s *Store) HardDelete(sel sms.Selector) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	n := 0
	for id, r := range s.rows {
		if !storage.Matches(sel, r) {
			continue
		}
		if sel.Multi && !r.Deleted {
			continue
		}
		delete(s.rows, id)
		n++
	}
	return n, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
