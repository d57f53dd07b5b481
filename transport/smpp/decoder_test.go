// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package smpp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/absmach/smsinbound/sms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliverSM struct {
	source   string
	esmClass byte
	schedule string
	coding   byte
	message  []byte
	tlvs     []byte
}

// bytes encodes a deliver_sm PDU with its header. Service type and
// validity period are left empty.
func (d deliverSM) bytes() []byte {
	cstr := func(b []byte, s string) []byte { return append(append(b, s...), 0) }

	var body []byte
	body = cstr(body, "")
	body = append(body, 1, 1)
	body = cstr(body, d.source)
	body = append(body, 1, 1)
	body = cstr(body, "12345")
	body = append(body, d.esmClass, 0, 0)
	body = cstr(body, d.schedule)
	body = cstr(body, "")
	body = append(body, 0, 0, d.coding, 0)
	body = append(body, byte(len(d.message)))
	body = append(body, d.message...)
	body = append(body, d.tlvs...)

	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:], uint32(16+len(body)))
	binary.BigEndian.PutUint32(header[4:], 0x00000005)
	binary.BigEndian.PutUint32(header[12:], 7)
	return append(header, body...)
}

func TestDecodeSinglePartText(t *testing.T) {
	raw := deliverSM{source: "+15550100", message: []byte("hello")}.bytes()

	tr, err := NewDecoder().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", tr.Address())
	assert.Equal(t, sms.FormatPrimary, tr.Format())
	assert.Equal(t, sms.PortText, tr.Port())
	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, 1, tr.Sequence())
	assert.Equal(t, "hello", tr.Body())
	assert.Equal(t, []byte("hello"), tr.Payload())
}

func TestDecodeConcatenated(t *testing.T) {
	udh := []byte{0x05, ieConcat8, 0x03, 0x2A, 0x03, 0x02}
	raw := deliverSM{
		source:   "+15550101",
		esmClass: 0x40,
		message:  append(udh, []byte("part")...),
	}.bytes()

	tr, err := NewDecoder().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 42, tr.Reference())
	assert.Equal(t, 3, tr.Count())
	assert.Equal(t, 2, tr.Sequence())
	assert.Equal(t, []byte("part"), tr.Payload())
	assert.Empty(t, tr.Body())
}

func TestDecodePortAddressed(t *testing.T) {
	udh := []byte{0x0B,
		ieConcat16, 0x04, 0x01, 0x02, 0x02, 0x01,
		iePort16, 0x04, 0x0B, 0x84, 0x23, 0xF0,
	}
	raw := deliverSM{
		source:   "+15550102",
		esmClass: 0x40,
		coding:   0x04,
		message:  append(udh, 0xDE, 0xAD),
	}.bytes()

	tr, err := NewDecoder().Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 0x0102, tr.Reference())
	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, 1, tr.Sequence())
	assert.Equal(t, sms.PortWAPPush, tr.Port())
	assert.Equal(t, []byte{0xDE, 0xAD}, tr.Payload())
}

func TestDecodeScheduleTime(t *testing.T) {
	raw := deliverSM{source: "+1", schedule: "240102030405608+", message: []byte("t")}.bytes()

	tr, err := NewDecoder().Decode(raw)
	require.NoError(t, err)
	want := time.Date(2024, 1, 2, 1, 4, 5, 600*int(time.Millisecond), time.UTC)
	assert.True(t, want.Equal(tr.Timestamp()), "got %s", tr.Timestamp())
}

func tlv(tag uint16, value []byte) []byte {
	b := make([]byte, 4, 4+len(value))
	binary.BigEndian.PutUint16(b[0:], tag)
	binary.BigEndian.PutUint16(b[2:], uint16(len(value)))
	return append(b, value...)
}

func TestDecodeTimestampTag(t *testing.T) {
	const tag = 0x1401
	smsc := append([]byte("240102030405000+"), 0)
	raw := deliverSM{source: "+1", message: []byte("t"), tlvs: tlv(tag, smsc)}.bytes()

	tr, err := NewDecoder(WithTimestampTag(tag)).Decode(raw)
	require.NoError(t, err)
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, want.Equal(tr.Timestamp()), "got %s", tr.Timestamp())

	// Without the option the parameter is ignored.
	tr, err = NewDecoder().Decode(raw)
	require.NoError(t, err)
	assert.True(t, tr.Timestamp().IsZero())

	// The same text stamped at different SMSC times stays distinct.
	other := deliverSM{source: "+1", message: []byte("t"), tlvs: tlv(tag, append([]byte("240102030406000+"), 0))}.bytes()
	tr2, err := NewDecoder(WithTimestampTag(tag)).Decode(other)
	require.NoError(t, err)
	assert.Equal(t, time.Second, tr2.Timestamp().Sub(want))

	bad := deliverSM{source: "+1", message: []byte("t"), tlvs: tlv(tag, []byte("garbage"))}.bytes()
	_, err = NewDecoder(WithTimestampTag(tag)).Decode(bad)
	assert.ErrorIs(t, err, sms.ErrMalformed)
}

func TestDecodeErrors(t *testing.T) {
	_, err := NewDecoder().Decode([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, sms.ErrMalformed)

	_, err = NewDecoder().Decode(deliverSM{source: "", message: []byte("x")}.bytes())
	assert.ErrorIs(t, err, sms.ErrUnroutable)

	bad := []byte{0x05, ieConcat8, 0x03, 0x01, 0x02, 0x05}
	_, err = NewDecoder().Decode(deliverSM{source: "+1", esmClass: 0x40, message: append(bad, 'x')}.bytes())
	assert.ErrorIs(t, err, sms.ErrMalformed)
}

func TestParseTime(t *testing.T) {
	ts, err := parseTime("991231235959000-")
	require.NoError(t, err)
	assert.Equal(t, 1999, ts.UTC().Year())

	_, err = parseTime("240102030405608R")
	assert.Error(t, err)
	_, err = parseTime("short")
	assert.Error(t, err)
}
