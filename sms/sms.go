// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sms holds the value types shared by the inbound delivery pipeline:
// the per-segment Tracker, the transport format, acknowledgement codes and
// the decoder contract implemented by transport adapters.
package sms

import (
	"errors"
	"fmt"
)

// Format identifies which transport encoding produced a segment.
type Format uint8

const (
	// FormatPrimary is the 3GPP encoding.
	FormatPrimary Format = iota
	// FormatSecondary is the 3GPP2 encoding.
	FormatSecondary
)

func (f Format) String() string {
	switch f {
	case FormatPrimary:
		return "3gpp"
	case FormatSecondary:
		return "3gpp2"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat maps the textual form used in configs and URLs to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "primary", "3gpp":
		return FormatPrimary, nil
	case "secondary", "3gpp2":
		return FormatSecondary, nil
	default:
		return 0, fmt.Errorf("unknown format %q", s)
	}
}

// AckCode is the result reported back to the transport for one segment.
type AckCode uint8

const (
	// AckHandled means the segment is durably stored (or was a duplicate).
	AckHandled AckCode = iota
	// AckGenericError means the segment was rejected or could not be stored.
	AckGenericError
)

func (c AckCode) String() string {
	switch c {
	case AckHandled:
		return "handled"
	case AckGenericError:
		return "generic_error"
	default:
		return fmt.Sprintf("ack(%d)", uint8(c))
	}
}

// Errors returned by decoders and tracker validation.
var (
	ErrMalformed   = errors.New("malformed segment")
	ErrOversized   = errors.New("segment payload too large")
	ErrUnroutable  = errors.New("segment is not routable")
	ErrUnsupported = errors.New("no decoder for format")
)

// Decoder turns a raw transport PDU into a Tracker.
type Decoder interface {
	Decode(pdu []byte) (Tracker, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(pdu []byte) (Tracker, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(pdu []byte) (Tracker, error) {
	return f(pdu)
}
