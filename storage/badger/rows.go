// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	rowPrefix   = "raw/"
	indexPrefix = "rid/"
	seqKey      = "seq/raw"
)

// RowStore implements the raw row table on top of BadgerDB.
//
// Key format:
//   - Row:   raw/{len(address)}{address}{reference}{count}{id}
//   - Index: rid/{id} -> row key
//
// Integers are fixed-width big endian so that a message's rows share a
// prefix and iterate in ID order.
type RowStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewRowStore creates a row store over an open database.
func NewRowStore(db *badger.DB, seq *badger.Sequence) *RowStore {
	return &RowStore{db: db, seq: seq}
}

// Insert stores a row and its ID index in one transaction.
func (s *RowStore) Insert(row *storage.Row) (uint64, error) {
	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate row id: %w", err)
	}
	// Sequences start at zero; zero is reserved for "unassigned".
	id := next + 1

	cp := row.Copy()
	cp.ID = id
	data, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal row: %w", err)
	}

	key := rowKey(cp.Key(), id)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(id), key)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Lookup returns all rows of a message.
func (s *RowStore) Lookup(key sms.MessageKey) ([]*storage.Row, error) {
	var rows []*storage.Row
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rows, err = scan(txn, messagePrefix(key))
		return err
	})
	if err != nil {
		return nil, err
	}
	storage.SortRows(rows)
	return rows, nil
}

// List returns all rows.
func (s *RowStore) List() ([]*storage.Row, error) {
	var rows []*storage.Row
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rows, err = scan(txn, []byte(rowPrefix))
		return err
	})
	if err != nil {
		return nil, err
	}
	storage.SortRows(rows)
	return rows, nil
}

// SoftDelete flags the selected rows as deleted.
func (s *RowStore) SoftDelete(sel sms.Selector) (int, error) {
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		n = 0
		rows, keys, err := s.selected(txn, sel)
		if err != nil {
			return err
		}
		for i, r := range rows {
			if r.Deleted {
				continue
			}
			r.Deleted = true
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal row: %w", err)
			}
			if err := txn.Set(keys[i], data); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// HardDelete removes the selected rows and their index entries.
func (s *RowStore) HardDelete(sel sms.Selector) (int, error) {
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		n = 0
		rows, keys, err := s.selected(txn, sel)
		if err != nil {
			return err
		}
		for i, r := range rows {
			if sel.Multi && !r.Deleted {
				continue
			}
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(r.ID)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// selected resolves a selector to rows and their keys inside txn.
func (s *RowStore) selected(txn *badger.Txn, sel sms.Selector) ([]*storage.Row, [][]byte, error) {
	if sel.Multi {
		prefix := messagePrefix(sel.Key)
		rows, err := scan(txn, prefix)
		if err != nil {
			return nil, nil, err
		}
		keys := make([][]byte, len(rows))
		for i, r := range rows {
			keys[i] = rowKey(r.Key(), r.ID)
		}
		return rows, keys, nil
	}

	item, err := txn.Get(indexKey(sel.ID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	item, err = txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var r storage.Row
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return []*storage.Row{&r}, [][]byte{key}, nil
}

func scan(txn *badger.Txn, prefix []byte) ([]*storage.Row, error) {
	var rows []*storage.Row

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			var r storage.Row
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			rows = append(rows, &r)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal row: %w", err)
		}
	}
	return rows, nil
}

func messagePrefix(k sms.MessageKey) []byte {
	buf := make([]byte, 0, len(rowPrefix)+2+len(k.Address)+8)
	buf = append(buf, rowPrefix...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(k.Address)))
	buf = append(buf, k.Address...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(k.Reference))
	buf = binary.BigEndian.AppendUint32(buf, uint32(k.Count))
	return buf
}

func rowKey(k sms.MessageKey, id uint64) []byte {
	return binary.BigEndian.AppendUint64(messagePrefix(k), id)
}

func indexKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(indexPrefix), id)
}
