// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"bytes"

	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
)

// findDuplicate returns the stored row that t duplicates, given every row
// (soft-deleted included) sharing t's message key.
//
// A row with the same sequence, timestamp and body is a duplicate whether
// or not it was soft-deleted. Single-part port-addressed segments carry no
// body, so they are never matched this way. For multi-part messages any
// live row holding the same sequence is a duplicate too, so a
// retransmission with altered metadata can never make reassembly ambiguous.
func findDuplicate(t sms.Tracker, rows []*storage.Row) (*storage.Row, bool) {
	exact := t.IsMultipart() || t.IsText()
	ts := t.Timestamp().UnixMilli()
	for _, r := range rows {
		if r.Sequence != t.Sequence() {
			continue
		}
		if exact && r.Timestamp == ts && r.Body == t.Body() {
			return r, true
		}
		if t.IsMultipart() && !r.Deleted {
			return r, true
		}
	}
	return nil, false
}

func payloadEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
