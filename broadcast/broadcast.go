// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broadcast delivers completed messages to consumers through an
// ordered, acknowledgeable fan-out.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/smsinbound/filter"
	"github.com/absmach/smsinbound/server/otel"
	"github.com/absmach/smsinbound/sms"
	"github.com/google/uuid"
	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTimeout marks a consumer that did not acknowledge within the budget.
var ErrTimeout = errors.New("consumer did not acknowledge in time")

// Outcome describes how a session ended.
type Outcome uint8

const (
	// Delivered means consumers were notified.
	Delivered Outcome = iota
	// Dropped means a filter gateway intercepted the message.
	Dropped
)

func (o Outcome) String() string {
	if o == Dropped {
		return "dropped"
	}
	return "delivered"
}

// Session is one in-flight broadcast, alive from staging to completion.
type Session struct {
	ID       string
	Selector sms.Selector
	Message  *sms.Message
	Started  time.Time
}

// Result is reported once per session when it completes.
type Result struct {
	Session *Session
	Outcome Outcome
	// Failed maps consumer names to their delivery error.
	Failed  map[string]error
	Elapsed time.Duration
}

// Err joins consumer failures, nil when every consumer acknowledged.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for name, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Config holds coordinator settings.
type Config struct {
	// Timeout bounds the whole fan-out of one session.
	Timeout time.Duration
	// SlowThreshold is the completion time above which a session is logged
	// as suspected consumer misbehaviour.
	SlowThreshold time.Duration
	// DefaultHandler names the consumer notified before all others.
	DefaultHandler string
}

// Coordinator runs broadcast sessions.
type Coordinator struct {
	cfg       Config
	gateway   filter.Gateway
	consumers []Consumer
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

// New creates a broadcast coordinator. gateway may be nil.
func New(cfg Config, gateway filter.Gateway, consumers []Consumer, logger *slog.Logger, metrics *otel.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = cfg.Timeout / 2
	}
	return &Coordinator{
		cfg:       cfg,
		gateway:   gateway,
		consumers: consumers,
		logger:    logger,
		metrics:   metrics,
		tracer:    gootel.Tracer("smsinbound/broadcast"),
	}
}

// Start opens a session for msg. When it returns started=false the
// gateway dropped the message synchronously and done is never called.
// Otherwise done is called exactly once, from another goroutine, when
// every consumer acknowledged, the budget elapsed, or a deferred gateway
// decision dropped the message.
func (c *Coordinator) Start(ctx context.Context, msg *sms.Message, sel sms.Selector, done func(Result)) (*Session, bool) {
	s := &Session{
		ID:       uuid.NewString(),
		Selector: sel,
		Message:  msg,
		Started:  time.Now(),
	}
	msg.ID = s.ID

	if c.gateway != nil {
		var once sync.Once
		resolve := func(v filter.Verdict) {
			once.Do(func() {
				if v == filter.Drop {
					go c.finish(s, Dropped, nil, done)
					return
				}
				go c.fanOut(s, done)
			})
		}

		switch v := c.gateway.Filter(ctx, msg, resolve); v {
		case filter.Drop:
			c.logger.Info("broadcast_filtered",
				slog.String("session", s.ID),
				slog.String("address", msg.Address))
			c.metrics.RecordBroadcastFinished(Dropped.String(), 0)
			return s, false
		case filter.Defer:
			c.metrics.RecordBroadcastStarted()
			c.logger.Debug("broadcast_deferred_by_filter", slog.String("session", s.ID))
			return s, true
		}
	}

	c.metrics.RecordBroadcastStarted()
	go c.fanOut(s, done)
	return s, true
}

// fanOut notifies the default handler first and then every other
// interested consumer concurrently.
func (c *Coordinator) fanOut(s *Session, done func(Result)) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "broadcast",
		trace.WithAttributes(
			attribute.String("session", s.ID),
			attribute.Int("segments", len(s.Message.Payloads)),
			attribute.Int("port", s.Message.Port),
		))
	defer span.End()

	var first Consumer
	var rest []Consumer
	for _, cons := range c.consumers {
		if !cons.Interested(s.Message) {
			continue
		}
		if first == nil && cons.Name() == c.cfg.DefaultHandler {
			first = cons
			continue
		}
		rest = append(rest, cons)
	}

	failed := make(map[string]error)
	if first != nil {
		for name, err := range c.deliverAll(ctx, s, []Consumer{first}) {
			failed[name] = err
		}
	}
	if ctx.Err() != nil {
		for _, cons := range rest {
			failed[cons.Name()] = ErrTimeout
		}
	} else {
		for name, err := range c.deliverAll(ctx, s, rest) {
			if _, ok := failed[name]; ok {
				name += "#rest"
			}
			failed[name] = err
		}
	}

	if len(failed) > 0 {
		span.SetStatus(codes.Error, "consumer failures")
	}
	c.finish(s, Delivered, failed, done)
}

// deliverAll runs consumers concurrently and waits for all of them or ctx.
// Acks are tracked per consumer, not per name, so consumers sharing a name
// are each waited for.
func (c *Coordinator) deliverAll(ctx context.Context, s *Session, consumers []Consumer) map[string]error {
	type ack struct {
		idx int
		err error
	}

	acks := make(chan ack, len(consumers))
	for i, cons := range consumers {
		go func(i int, cons Consumer) {
			acks <- ack{idx: i, err: cons.Deliver(ctx, s.Message)}
		}(i, cons)
	}

	failed := make(map[string]error)
	fail := func(i int, err error) {
		name := consumers[i].Name()
		if _, ok := failed[name]; ok {
			name = fmt.Sprintf("%s#%d", name, i)
		}
		failed[name] = err
	}

	pending := make([]bool, len(consumers))
	for i := range pending {
		pending[i] = true
	}
	for left := len(consumers); left > 0; {
		select {
		case a := <-acks:
			pending[a.idx] = false
			left--
			if a.err != nil && ctx.Err() != nil && errors.Is(a.err, ctx.Err()) {
				a.err = ErrTimeout
			}
			if a.err != nil {
				fail(a.idx, a.err)
			}
		case <-ctx.Done():
			for i, p := range pending {
				if p {
					fail(i, ErrTimeout)
				}
			}
			return failed
		}
	}
	return failed
}

func (c *Coordinator) finish(s *Session, outcome Outcome, failed map[string]error, done func(Result)) {
	res := Result{
		Session: s,
		Outcome: outcome,
		Failed:  failed,
		Elapsed: time.Since(s.Started),
	}

	for name, err := range failed {
		c.metrics.RecordConsumerFailure(name)
		c.logger.Warn("broadcast_consumer_failed",
			slog.String("session", s.ID),
			slog.String("consumer", name),
			slog.String("error", err.Error()))
	}
	if res.Elapsed > c.cfg.SlowThreshold {
		c.logger.Warn("broadcast_slow",
			slog.String("session", s.ID),
			slog.Duration("elapsed", res.Elapsed),
			slog.Duration("threshold", c.cfg.SlowThreshold))
	}
	c.metrics.RecordBroadcastFinished(outcome.String(), float64(res.Elapsed.Microseconds())/1000)

	done(res)
}
