// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package smpp decodes SMPP deliver_sm PDUs into inbound segments.
package smpp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/smsinbound/sms"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
)

// User data header information element identifiers.
const (
	ieConcat8    = 0x00
	iePort8      = 0x04
	iePort16     = 0x05
	ieConcat16   = 0x08
	smppTimeSize = 16
)

var _ sms.Decoder = (*Decoder)(nil)

// Decoder turns a complete deliver_sm PDU, header included, into a
// tracker in the primary format.
type Decoder struct {
	timestampTag pdu.Tag
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithTimestampTag reads the segment timestamp from an SMSC-specific
// optional parameter holding an SMPP absolute time. deliver_sm leaves
// schedule_delivery_time NULL, so without such a tag timestamps are zero.
// Tag 0 disables the lookup.
func WithTimestampTag(tag uint16) Option {
	return func(d *Decoder) {
		d.timestampTag = pdu.Tag(tag)
	}
}

// NewDecoder returns a deliver_sm decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode implements sms.Decoder.
func (d *Decoder) Decode(raw []byte) (sms.Tracker, error) {
	p, err := pdu.Parse(bytes.NewReader(raw))
	if err != nil {
		return sms.Tracker{}, fmt.Errorf("%w: %v", sms.ErrMalformed, err)
	}
	dsm, ok := p.(*pdu.DeliverSM)
	if !ok {
		return sms.Tracker{}, fmt.Errorf("%w: unexpected %T", sms.ErrMalformed, p)
	}

	params := sms.TrackerParams{
		Address: dsm.SourceAddr.Address(),
		Port:    sms.PortText,
		Format:  sms.FormatPrimary,
		Count:   1,
	}
	ts, err := d.timestamp(dsm)
	if err != nil {
		return sms.Tracker{}, fmt.Errorf("%w: %v", sms.ErrMalformed, err)
	}
	params.Timestamp = ts

	if dsm.EsmClass&data.SM_UDH_GSM != 0 {
		if err := applyUDH(&params, dsm.Message.UDH()); err != nil {
			return sms.Tracker{}, err
		}
	}

	payload, err := dsm.Message.GetMessageData()
	if err != nil {
		return sms.Tracker{}, fmt.Errorf("%w: %v", sms.ErrMalformed, err)
	}
	params.Payload = payload
	if params.Port == sms.PortText {
		// Text segments carry decoded UTF-8 so that joined payloads read
		// as one string.
		if text, err := dsm.Message.GetMessage(); err == nil {
			params.Payload = []byte(text)
			params.Body = text
		}
	}

	return sms.NewTracker(params)
}

// timestamp prefers the SMSC timestamp parameter, then the schedule time.
func (d *Decoder) timestamp(dsm *pdu.DeliverSM) (time.Time, error) {
	if d.timestampTag != 0 {
		if f, ok := dsm.OptionalParameters[d.timestampTag]; ok {
			return parseTime(strings.TrimRight(string(f.Data), "\x00"))
		}
	}
	if dsm.ScheduleDeliveryTime != "" {
		return parseTime(dsm.ScheduleDeliveryTime)
	}
	return time.Time{}, nil
}

func applyUDH(p *sms.TrackerParams, udh pdu.UDH) error {
	for _, ie := range udh {
		switch ie.ID {
		case ieConcat8:
			if len(ie.Data) != 3 {
				return fmt.Errorf("%w: concatenation element length %d", sms.ErrMalformed, len(ie.Data))
			}
			p.Reference = int(ie.Data[0])
			p.Count = int(ie.Data[1])
			p.Sequence = int(ie.Data[2])
		case ieConcat16:
			if len(ie.Data) != 4 {
				return fmt.Errorf("%w: concatenation element length %d", sms.ErrMalformed, len(ie.Data))
			}
			p.Reference = int(binary.BigEndian.Uint16(ie.Data[:2]))
			p.Count = int(ie.Data[2])
			p.Sequence = int(ie.Data[3])
		case iePort8:
			if len(ie.Data) != 2 {
				return fmt.Errorf("%w: port element length %d", sms.ErrUnroutable, len(ie.Data))
			}
			p.Port = int(ie.Data[0])
		case iePort16:
			if len(ie.Data) != 4 {
				return fmt.Errorf("%w: port element length %d", sms.ErrUnroutable, len(ie.Data))
			}
			p.Port = int(binary.BigEndian.Uint16(ie.Data[:2]))
		}
	}
	return nil
}

// parseTime reads an SMPP absolute time "YYMMDDhhmmsstnnp".
func parseTime(s string) (time.Time, error) {
	if len(s) != smppTimeSize {
		return time.Time{}, fmt.Errorf("bad smpp time %q", s)
	}
	if s[15] == 'R' {
		return time.Time{}, fmt.Errorf("relative smpp time %q", s)
	}

	base, err := time.Parse("060102150405", s[:12])
	if err != nil {
		return time.Time{}, err
	}
	tenths, err := strconv.Atoi(s[12:13])
	if err != nil {
		return time.Time{}, err
	}
	quarters, err := strconv.Atoi(s[13:15])
	if err != nil {
		return time.Time{}, err
	}

	offset := time.Duration(quarters) * 15 * time.Minute
	switch s[15] {
	case '+':
	case '-':
		offset = -offset
	default:
		return time.Time{}, fmt.Errorf("bad smpp time direction %q", s[15])
	}
	zone := time.FixedZone("", int(offset.Seconds()))
	local := time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), base.Minute(), base.Second(),
		tenths*int(100*time.Millisecond), zone)
	return local, nil
}
