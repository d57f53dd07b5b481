// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sms

import (
	"bytes"
	"time"
)

// Message is a fully reassembled inbound message handed to consumers.
type Message struct {
	// ID is the broadcast session that carries the message.
	ID        string
	Address   string
	Payloads  [][]byte
	Port      int
	Format    Format
	Timestamp time.Time
}

// IsText reports whether the message has no application port.
func (m *Message) IsText() bool {
	return m.Port == PortText
}

// Data returns the payload segments joined in order.
func (m *Message) Data() []byte {
	return bytes.Join(m.Payloads, nil)
}
