// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt bridges completed messages to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/config"
	"github.com/absmach/smsinbound/sms"
	paho "github.com/eclipse/paho.mqtt.golang"
)

var _ broadcast.Consumer = (*Consumer)(nil)

// ErrConnect is returned when the broker cannot be reached.
var ErrConnect = errors.New("mqtt connect failed")

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Consumer publishes each message with QoS 1 to <prefix>/<address>. The
// PUBACK is the acknowledgement.
type Consumer struct {
	name   string
	prefix string
	client publisher
	close  func()
	logger *slog.Logger
}

// Connect dials the broker and returns a connected consumer.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt bridge connection lost", slog.String("error", err.Error()))
		})

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: %s: timeout", ErrConnect, cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.Broker, err)
	}

	logger.Info("mqtt bridge connected", slog.String("broker", cfg.Broker))
	c := newConsumer(cfg.Name, cfg.TopicPrefix, client, logger)
	c.close = func() { client.Disconnect(250) }
	return c, nil
}

func newConsumer(name, prefix string, client publisher, logger *slog.Logger) *Consumer {
	if name == "" {
		name = "mqtt"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		name:   name,
		prefix: strings.TrimSuffix(prefix, "/"),
		client: client,
		logger: logger,
	}
}

// Name implements broadcast.Consumer.
func (c *Consumer) Name() string { return c.name }

// Interested implements broadcast.Consumer.
func (c *Consumer) Interested(*sms.Message) bool { return true }

// Deliver implements broadcast.Consumer.
func (c *Consumer) Deliver(ctx context.Context, msg *sms.Message) error {
	topic := c.Topic(msg)
	tok := c.client.Publish(topic, 1, false, msg.Data())

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		c.logger.Debug("mqtt bridge published",
			slog.String("topic", topic),
			slog.String("session", msg.ID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topic returns the topic a message is published to.
func (c *Consumer) Topic(msg *sms.Message) string {
	addr := strings.NewReplacer("/", "_", "+", "", "#", "").Replace(msg.Address)
	if c.prefix == "" {
		return addr
	}
	return c.prefix + "/" + addr
}

// Close disconnects from the broker.
func (c *Consumer) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}

