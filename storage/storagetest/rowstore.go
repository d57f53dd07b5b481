// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by RowStore backends.
package storagetest

import (
	"testing"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunRowStoreTests exercises a RowStore implementation. newStore must
// return an empty, open store.
func RunRowStoreTests(t *testing.T, newStore func(t *testing.T) storage.RowStore) {
	t.Run("InsertAssignsIDs", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Insert(part("+1", 1, 1, 2, "a"))
		require.NoError(t, err)
		b, err := s.Insert(part("+1", 1, 2, 2, "b"))
		require.NoError(t, err)
		assert.NotZero(t, a)
		assert.NotEqual(t, a, b)
	})

	t.Run("LookupOrdersBySequence", func(t *testing.T) {
		s := newStore(t)
		for _, seq := range []int{3, 1, 2} {
			_, err := s.Insert(part("+2", 9, seq, 3, string(rune('a'+seq-1))))
			require.NoError(t, err)
		}
		_, err := s.Insert(part("+2", 10, 1, 3, "other"))
		require.NoError(t, err)

		rows, err := s.Lookup(sms.MessageKey{Address: "+2", Reference: 9, Count: 3})
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, r := range rows {
			assert.Equal(t, i+1, r.Sequence)
			assert.NotZero(t, r.ID)
		}
		assert.Equal(t, []byte("a"), rows[0].Payload)
	})

	t.Run("SoftDeleteKeepsRows", func(t *testing.T) {
		s := newStore(t)
		key := sms.MessageKey{Address: "+3", Reference: 4, Count: 2}
		for seq := 1; seq <= 2; seq++ {
			_, err := s.Insert(part(key.Address, key.Reference, seq, key.Count, "x"))
			require.NoError(t, err)
		}

		n, err := s.SoftDelete(sms.Selector{Key: key, Multi: true})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rows, err := s.Lookup(key)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, r := range rows {
			assert.True(t, r.Deleted)
		}

		// Already deleted rows are not counted again.
		n, err = s.SoftDelete(sms.Selector{Key: key, Multi: true})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("HardDeleteByKeySparesLiveRows", func(t *testing.T) {
		s := newStore(t)
		key := sms.MessageKey{Address: "+4", Reference: 1, Count: 2}
		_, err := s.Insert(part(key.Address, key.Reference, 1, key.Count, "old"))
		require.NoError(t, err)
		_, err = s.SoftDelete(sms.Selector{Key: key, Multi: true})
		require.NoError(t, err)
		_, err = s.Insert(part(key.Address, key.Reference, 1, key.Count, "new"))
		require.NoError(t, err)

		n, err := s.HardDelete(sms.Selector{Key: key, Multi: true})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rows, err := s.Lookup(key)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, []byte("new"), rows[0].Payload)
		assert.False(t, rows[0].Deleted)
	})

	t.Run("DeleteByID", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(&storage.Row{Address: "+5", Sequence: 1, Count: 1, Port: sms.PortText, Timestamp: 10, Payload: []byte("hi"), Body: "hi"})
		require.NoError(t, err)
		other, err := s.Insert(&storage.Row{Address: "+5", Sequence: 1, Count: 1, Port: sms.PortText, Timestamp: 20, Payload: []byte("yo"), Body: "yo"})
		require.NoError(t, err)

		n, err := s.SoftDelete(sms.Selector{ID: id})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.HardDelete(sms.Selector{ID: id})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rows, err := s.List()
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, other, rows[0].ID)
		assert.Equal(t, "yo", rows[0].Body)
		assert.Equal(t, int64(20), rows[0].Timestamp)
	})

	t.Run("MissingSelector", func(t *testing.T) {
		s := newStore(t)
		n, err := s.HardDelete(sms.Selector{ID: 12345})
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.SoftDelete(sms.Selector{Key: sms.MessageKey{Address: "+6", Count: 2}, Multi: true})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ReturnedRowsAreCopies", func(t *testing.T) {
		s := newStore(t)
		key := sms.MessageKey{Address: "+7", Reference: 2, Count: 2}
		_, err := s.Insert(part(key.Address, key.Reference, 1, key.Count, "abc"))
		require.NoError(t, err)

		rows, err := s.Lookup(key)
		require.NoError(t, err)
		rows[0].Payload[0] = 'z'
		rows[0].Deleted = true

		rows, err = s.Lookup(key)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), rows[0].Payload)
		assert.False(t, rows[0].Deleted)
	})
}

func part(addr string, ref, seq, count int, payload string) *storage.Row {
	return &storage.Row{
		Address:   addr,
		Reference: ref,
		Sequence:  seq,
		Count:     count,
		Port:      sms.PortText,
		Timestamp: 1000,
		Payload:   []byte(payload),
	}
}
