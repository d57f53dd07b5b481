// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inbound implements the delivery coordinator: a single actor that
// persists inbound segments before acknowledging them, reassembles
// multi-part messages and serializes their broadcasts.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/guard"
	"github.com/absmach/smsinbound/server/otel"
	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
)

// ErrStopped is returned by Receive once the coordinator has stopped.
var ErrStopped = errors.New("coordinator stopped")

// Broadcaster starts broadcast sessions. *broadcast.Coordinator
// implements it.
type Broadcaster interface {
	Start(ctx context.Context, msg *sms.Message, sel sms.Selector, done func(broadcast.Result)) (*broadcast.Session, bool)
}

// Config holds coordinator settings.
type Config struct {
	// GraceDelay is how long the guard is kept after the last activity.
	GraceDelay time.Duration
	// MaxPayloadSize rejects segments with larger payloads. Zero disables
	// the check.
	MaxPayloadSize int
	// Strict panics on events with no handler in the current state.
	Strict bool
	// HistorySize is the number of transitions kept for diagnostics.
	HistorySize int
}

// Coordinator is the delivery actor. All state and store mutations happen
// on its run goroutine, one event at a time.
type Coordinator struct {
	cfg         Config
	store       *RawStore
	reassembler *Reassembler
	broadcaster Broadcaster
	guard       *guard.Guard
	decoders    map[sms.Format]sms.Decoder
	logger      *slog.Logger
	metrics     *otel.Metrics

	mb       *mailbox
	state    atomic.Uint32
	deferred []event
	session  *broadcast.Session

	accepting  atomic.Bool
	acceptOnce sync.Once
	started    atomic.Bool
	stopOnce   sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a coordinator in the Startup state. decoders maps each
// accepted format to its decoder; segments in other formats are rejected.
func New(cfg Config, rows storage.RowStore, b Broadcaster, g *guard.Guard, decoders map[sms.Format]sms.Decoder, logger *slog.Logger, metrics *otel.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 3 * time.Second
	}
	if g == nil {
		g = guard.New(nil, logger)
	}
	g.SetObserver(metrics.RecordGuard)

	store := NewRawStore(rows, logger)
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		reassembler: NewReassembler(store, logger),
		broadcaster: b,
		guard:       g,
		decoders:    decoders,
		logger:      logger,
		metrics:     metrics,
		mb:          newMailbox(cfg.HistorySize),
		done:        make(chan struct{}),
	}
}

// Start launches the actor goroutine. The coordinator stays in Startup
// until StartAccepting is called.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
}

// Stop drains the mailbox, rejecting queued segments, and releases the
// guard. It waits for the actor goroutine to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mb.close()
		if !c.started.Load() {
			c.shutdown()
			return
		}
		c.cancel()
		<-c.done
	})
}

// StartAccepting signals that rows of earlier runs were re-staged. Only
// the first call has an effect.
func (c *Coordinator) StartAccepting() {
	c.acceptOnce.Do(func() {
		c.accepting.Store(true)
		c.mb.post(event{kind: eventStartAccepting})
	})
}

// Accepting reports whether StartAccepting was called.
func (c *Coordinator) Accepting() bool {
	return c.accepting.Load()
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Deliver queues a raw PDU. ack is called exactly once, from the actor
// goroutine, after the segment is durably stored or rejected. It must not
// block.
func (c *Coordinator) Deliver(pdu []byte, format sms.Format, ack func(sms.AckCode)) {
	seg := &segment{pdu: pdu, format: format, ack: ack}
	if !c.mb.post(event{kind: eventNewSegment, seg: seg}) {
		ack(sms.AckGenericError)
	}
}

// Receive delivers a PDU and waits for its acknowledgement.
func (c *Coordinator) Receive(ctx context.Context, pdu []byte, format sms.Format) (sms.AckCode, error) {
	acked := make(chan sms.AckCode, 1)
	c.Deliver(pdu, format, func(code sms.AckCode) { acked <- code })

	select {
	case code := <-acked:
		return code, nil
	case <-ctx.Done():
		return sms.AckGenericError, ctx.Err()
	case <-c.done:
		select {
		case code := <-acked:
			return code, nil
		default:
			return sms.AckGenericError, ErrStopped
		}
	}
}

// History returns the most recent transitions, oldest first.
func (c *Coordinator) History() string {
	return c.mb.dump()
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.shutdown()

	c.logger.Info("inbound_coordinator_started")
	for {
		ev, ok := c.mb.receive(c.ctx)
		if !ok {
			return
		}
		c.handle(ev)
	}
}

func (c *Coordinator) handle(ev event) {
	from := c.State()
	to, acts := transition(from, ev.kind)
	c.mb.record(from, ev.kind, to, acts)
	if from != to {
		c.logger.Debug("inbound_transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("event", ev.kind.String()))
	}
	c.state.Store(uint32(to))

	for _, a := range acts {
		c.apply(a, from, ev)
	}
}

func (c *Coordinator) apply(a action, from State, ev event) {
	switch a {
	case actDefer:
		c.deferred = append(c.deferred, ev)
	case actReplayDeferred:
		deferred := c.deferred
		c.deferred = nil
		c.mb.pushFront(deferred)
	case actAcquireGuard:
		c.guard.Acquire()
	case actScheduleRelease:
		c.guard.ReleaseAfter(c.cfg.GraceDelay, func(gen uint64) {
			c.mb.post(event{kind: eventReleaseGuard, gen: gen})
		})
	case actReleaseIfCurrent:
		c.guard.ReleaseIfCurrent(ev.gen)
	case actRehandle:
		c.handle(ev)
	case actPersist:
		c.persist(ev.seg)
	case actStage:
		c.stage(ev.tracker)
	case actFinishBroadcast:
		c.finish(ev.result)
	case actPostReturnToIdle:
		c.mb.post(event{kind: eventReturnToIdle})
	case actUnhandled:
		if c.cfg.Strict {
			panic(fmt.Sprintf("inbound: unhandled event %s in state %s\n%s", ev.kind, from, c.mb.dump()))
		}
		c.logger.Error("inbound_unhandled_event",
			slog.String("event", ev.kind.String()),
			slog.String("state", from.String()))
	}
}

// persist decodes, validates and stores a segment, then acknowledges it.
// A newly stored segment is followed by a stage request; every segment is
// followed by a return to idle.
func (c *Coordinator) persist(seg *segment) {
	defer c.mb.post(event{kind: eventReturnToIdle})

	c.metrics.RecordSegment(seg.format.String(), len(seg.pdu))

	t, err := c.decode(seg)
	if err != nil {
		c.metrics.RecordRejected(rejectReason(err))
		c.logger.Warn("inbound_segment_rejected",
			slog.String("format", seg.format.String()),
			slog.String("error", err.Error()))
		seg.ack(sms.AckGenericError)
		return
	}

	t, err = c.store.Insert(t)
	switch {
	case errors.Is(err, ErrDuplicate):
		c.metrics.RecordDuplicate()
		c.logger.Info("inbound_duplicate_segment",
			slog.String("key", t.Key().String()),
			slog.Int("sequence", t.Sequence()))
		seg.ack(sms.AckHandled)
		return
	case err != nil:
		c.metrics.RecordRejected("storage")
		c.logger.Error("inbound_persist_failed",
			slog.String("key", t.Key().String()),
			slog.String("error", err.Error()))
		seg.ack(sms.AckGenericError)
		return
	}

	seg.ack(sms.AckHandled)
	c.mb.post(event{kind: eventStage, tracker: t})
}

func (c *Coordinator) decode(seg *segment) (sms.Tracker, error) {
	dec, ok := c.decoders[seg.format]
	if !ok || dec == nil {
		return sms.Tracker{}, fmt.Errorf("%w: %s", sms.ErrUnsupported, seg.format)
	}
	t, err := dec.Decode(seg.pdu)
	if err != nil {
		return sms.Tracker{}, err
	}
	if c.cfg.MaxPayloadSize > 0 && len(t.Payload()) > c.cfg.MaxPayloadSize {
		return sms.Tracker{}, fmt.Errorf("%w: %d bytes", sms.ErrOversized, len(t.Payload()))
	}
	return t, nil
}

// stage broadcasts the tracker's message if it is complete. Its rows are
// soft-deleted first so they cannot be staged twice.
func (c *Coordinator) stage(t sms.Tracker) {
	comp, err := c.reassembler.TryComplete(t)
	if err != nil {
		c.logger.Error("inbound_reassembly_failed",
			slog.String("key", t.Key().String()),
			slog.String("error", err.Error()))
		return
	}
	if comp == nil {
		return
	}

	if err := c.store.SoftDelete(comp.Selector); err != nil {
		c.logger.Error("inbound_soft_delete_failed",
			slog.String("selector", comp.Selector.String()),
			slog.String("error", err.Error()))
		return
	}

	s, started := c.broadcaster.Start(c.ctx, comp.Message(), comp.Selector, func(res broadcast.Result) {
		c.mb.post(event{kind: eventBroadcastComplete, result: res})
	})
	if !started {
		c.hardDelete(comp.Selector)
		return
	}

	c.session = s
	c.logger.Debug("inbound_broadcast_started",
		slog.String("session", s.ID),
		slog.String("selector", s.Selector.String()))
	c.handle(event{kind: eventBroadcastStarted})
}

func (c *Coordinator) finish(res broadcast.Result) {
	c.session = nil
	if res.Session == nil {
		return
	}
	c.hardDelete(res.Session.Selector)
	c.logger.Info("inbound_broadcast_complete",
		slog.String("session", res.Session.ID),
		slog.String("outcome", res.Outcome.String()),
		slog.Duration("elapsed", res.Elapsed),
		slog.Int("failed_consumers", len(res.Failed)))
}

func (c *Coordinator) hardDelete(sel sms.Selector) {
	if err := c.store.HardDelete(sel); err != nil {
		c.logger.Error("inbound_hard_delete_failed",
			slog.String("selector", sel.String()),
			slog.String("error", err.Error()))
	}
}

// shutdown rejects every queued or deferred segment and releases the
// guard unconditionally.
func (c *Coordinator) shutdown() {
	c.mb.close()
	c.reject(append(c.deferred, c.mb.drain()...))
	c.deferred = nil
	c.guard.Cancel()
	c.guard.ReleaseIfHeld()
	c.logger.Info("inbound_coordinator_stopped", slog.String("state", c.State().String()))
}

func (c *Coordinator) reject(evs []event) {
	for _, ev := range evs {
		if ev.kind == eventNewSegment && ev.seg != nil {
			ev.seg.ack(sms.AckGenericError)
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, sms.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, sms.ErrOversized):
		return "oversized"
	case errors.Is(err, sms.ErrUnroutable):
		return "unroutable"
	default:
		return "malformed"
	}
}
