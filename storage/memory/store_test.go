// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
	"github.com/absmach/smsinbound/storage/storagetest"
	"github.com/stretchr/testify/assert"
)

func TestRowStore(t *testing.T) {
	storagetest.RunRowStoreTests(t, func(t *testing.T) storage.RowStore {
		return New()
	})
}

func TestClosedStore(t *testing.T) {
	s := New()
	assert.NoError(t, s.Close())

	_, err := s.Insert(&storage.Row{Address: "+1", Count: 1})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Lookup(sms.MessageKey{Address: "+1", Count: 1})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.List()
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.SoftDelete(sms.Selector{ID: 1})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.HardDelete(sms.Selector{ID: 1})
	assert.ErrorIs(t, err, storage.ErrClosed)
}
