// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers completed messages to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/smsinbound/sms"
)

// EventType is the envelope type of an inbound message notification.
const EventType = "sms.received"

// Sender is the protocol-specific sender interface (HTTP, gRPC, etc.).
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	// Returns error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}

// Envelope is the JSON body posted to endpoints. EventID stays the same
// across retries so receivers can drop repeats.
type Envelope struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Format    string    `json:"format"`
	SentAt    time.Time `json:"sent_at"`
	Segments  int       `json:"segments"`
	Text      string    `json:"text,omitempty"`
	Payloads  [][]byte  `json:"payloads,omitempty"`
}

func newEnvelope(id string, msg *sms.Message, includePayload bool) Envelope {
	env := Envelope{
		EventID:   id,
		Type:      EventType,
		Timestamp: time.Now().UTC(),
		SessionID: msg.ID,
		Address:   msg.Address,
		Port:      msg.Port,
		Format:    msg.Format.String(),
		SentAt:    msg.Timestamp,
		Segments:  len(msg.Payloads),
	}
	if msg.IsText() {
		env.Text = string(msg.Data())
	}
	if includePayload {
		env.Payloads = msg.Payloads
	}
	return env
}
