// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/config"
	"github.com/absmach/smsinbound/sms"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var _ broadcast.Consumer = (*Consumer)(nil)

// Consumer posts messages to one endpoint. Retries run inside the
// broadcast budget: Deliver returns as soon as ctx is done.
type Consumer struct {
	name           string
	url            string
	headers        map[string]string
	timeout        time.Duration
	retry          config.RetryConfig
	match          func(*sms.Message) bool
	includePayload bool
	breaker        *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	sender         Sender
	logger         *slog.Logger
}

// NewConsumers creates one consumer per configured endpoint.
func NewConsumers(cfg config.WebhookConfig, sender Sender, logger *slog.Logger) ([]broadcast.Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	consumers := make([]broadcast.Consumer, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return nil, fmt.Errorf("webhook endpoint requires name and url")
		}

		// Use endpoint-specific timeout or default
		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		// Use endpoint-specific retry config or default
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		c := &Consumer{
			name:           ep.Name,
			url:            ep.URL,
			headers:        ep.Headers,
			timeout:        timeout,
			retry:          retry,
			match:          matcher(ep),
			includePayload: cfg.IncludePayload,
			sender:         sender,
			logger:         logger,
		}

		threshold := cfg.Defaults.CircuitBreaker.FailureThreshold
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.Name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return threshold > 0 && counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})

		if rl := cfg.Defaults.RateLimit; rl.Rate > 0 {
			burst := rl.Burst
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rl.Rate), burst)
		}

		consumers = append(consumers, c)
	}

	logger.Info("webhook consumers created", slog.Int("endpoints", len(consumers)))
	return consumers, nil
}

func matcher(ep config.WebhookEndpoint) func(*sms.Message) bool {
	switch {
	case ep.TextOnly:
		return broadcast.TextOnly
	case len(ep.Ports) > 0:
		return broadcast.PortsOnly(ep.Ports...)
	default:
		return nil
	}
}

// Name implements broadcast.Consumer.
func (c *Consumer) Name() string { return c.name }

// Interested implements broadcast.Consumer.
func (c *Consumer) Interested(msg *sms.Message) bool {
	return c.match == nil || c.match(msg)
}

// Deliver implements broadcast.Consumer.
func (c *Consumer) Deliver(ctx context.Context, msg *sms.Message) error {
	payload, err := json.Marshal(newEnvelope(uuid.NewString(), msg, c.includePayload))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	attempts := max(c.retry.MaxAttempts, 1)
	for attempt := 0; ; attempt++ {
		err = c.attempt(ctx, payload)
		if err == nil {
			c.logger.Debug("webhook delivered successfully",
				slog.String("endpoint", c.name),
				slog.String("session", msg.ID))
			return nil
		}
		if attempt+1 >= attempts || errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("webhook %s failed after %d attempts: %w", c.name, attempt+1, err)
		}

		delay := c.retryDelay(attempt + 1)
		c.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", c.name),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (c *Consumer) attempt(ctx context.Context, payload []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return nil, c.sender.Send(sendCtx, c.url, c.headers, payload)
	})
	return err
}

// retryDelay calculates exponential backoff delay.
func (c *Consumer) retryDelay(attempt int) time.Duration {
	delay := float64(c.retry.InitialInterval) * math.Pow(c.retry.Multiplier, float64(attempt-1))
	if c.retry.MaxInterval > 0 && delay > float64(c.retry.MaxInterval) {
		delay = float64(c.retry.MaxInterval)
	}
	return time.Duration(delay)
}
