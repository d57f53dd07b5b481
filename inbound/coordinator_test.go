// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/guard"
	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
	badgerstore "github.com/absmach/smsinbound/storage/badger"
	"github.com/absmach/smsinbound/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testPDU encodes a segment as "addr|ref|seq|count|port|ts|payload".
func testPDU(addr string, ref, seq, count, port int, ts int64, payload string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%d|%d|%d|%s", addr, ref, seq, count, port, ts, payload))
}

var testDecoder = sms.DecoderFunc(func(pdu []byte) (sms.Tracker, error) {
	parts := strings.SplitN(string(pdu), "|", 7)
	if len(parts) != 7 {
		return sms.Tracker{}, sms.ErrMalformed
	}
	nums := make([]int64, 5)
	for i := range nums {
		n, err := strconv.ParseInt(parts[i+1], 10, 64)
		if err != nil {
			return sms.Tracker{}, sms.ErrMalformed
		}
		nums[i] = n
	}
	return sms.NewTracker(sms.TrackerParams{
		Address:   parts[0],
		Reference: int(nums[0]),
		Sequence:  int(nums[1]),
		Count:     int(nums[2]),
		Port:      int(nums[3]),
		Timestamp: time.UnixMilli(nums[4]),
		Payload:   []byte(parts[6]),
		Body:      parts[6],
	})
})

type fakeSession struct {
	session *broadcast.Session
	done    func(broadcast.Result)
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	sessions []fakeSession
	auto     bool
	drop     bool
}

func (f *fakeBroadcaster) Start(_ context.Context, msg *sms.Message, sel sms.Selector, done func(broadcast.Result)) (*broadcast.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &broadcast.Session{
		ID:       strconv.Itoa(len(f.sessions) + 1),
		Selector: sel,
		Message:  msg,
		Started:  time.Now(),
	}
	if f.drop {
		return s, false
	}
	f.sessions = append(f.sessions, fakeSession{session: s, done: done})
	if f.auto {
		go done(broadcast.Result{Session: s, Outcome: broadcast.Delivered})
	}
	return s, true
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeBroadcaster) message(i int) *sms.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i].session.Message
}

func (f *fakeBroadcaster) complete(i int) {
	f.mu.Lock()
	s := f.sessions[i]
	f.mu.Unlock()
	s.done(broadcast.Result{Session: s.session, Outcome: broadcast.Delivered})
}

type countingKeeper struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (k *countingKeeper) Acquire() { k.acquired.Add(1) }
func (k *countingKeeper) Release() { k.released.Add(1) }

func newTestCoordinator(t *testing.T, rows storage.RowStore, b Broadcaster, g *guard.Guard) *Coordinator {
	t.Helper()
	cfg := Config{GraceDelay: 20 * time.Millisecond, MaxPayloadSize: 64}
	c := New(cfg, rows, b, g, map[sms.Format]sms.Decoder{sms.FormatPrimary: testDecoder}, nil, nil)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func receive(t *testing.T, c *Coordinator, pdu []byte) sms.AckCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	code, err := c.Receive(ctx, pdu, sms.FormatPrimary)
	require.NoError(t, err)
	return code
}

func rowCount(t *testing.T, rows storage.RowStore) int {
	t.Helper()
	all, err := rows.List()
	require.NoError(t, err)
	return len(all)
}

func TestSinglePartDelivered(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+100", 0, 1, 1, sms.PortText, 1000, "hello")))

	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
	msg := b.message(0)
	assert.Equal(t, "+100", msg.Address)
	assert.Equal(t, [][]byte{[]byte("hello")}, msg.Payloads)
	assert.True(t, msg.IsText())
	require.Eventually(t, func() bool { return c.State() == StateWaiting }, waitFor, tick)

	// Rows stay, soft-deleted, while the session is in flight.
	all, err := rows.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted)

	b.complete(0)
	require.Eventually(t, func() bool { return rowCount(t, rows) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, tick)
}

func TestAtMostOnce(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	for round := 0; round < 2; round++ {
		for seq := 1; seq <= 3; seq++ {
			code := receive(t, c, testPDU("+200", 7, seq, 3, sms.PortText, 5000, fmt.Sprintf("p%d", seq)))
			assert.Equal(t, sms.AckHandled, code)
		}
	}

	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
	b.complete(0)
	require.Eventually(t, func() bool { return rowCount(t, rows) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, tick)
	assert.Equal(t, 1, b.count())
}

func TestOrderIndependence(t *testing.T) {
	orders := [][]int{
		{1, 2, 3}, {1, 3, 2}, {2, 1, 3},
		{2, 3, 1}, {3, 1, 2}, {3, 2, 1},
	}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			rows := memory.New()
			b := &fakeBroadcaster{auto: true}
			c := newTestCoordinator(t, rows, b, nil)
			c.StartAccepting()

			for _, seq := range order {
				port := 9200
				code := receive(t, c, testPDU("+300", 42, seq, 3, port, 100, fmt.Sprintf("s%d", seq)))
				require.Equal(t, sms.AckHandled, code)
			}

			require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
			msg := b.message(0)
			assert.Equal(t, [][]byte{[]byte("s1"), []byte("s2"), []byte("s3")}, msg.Payloads)
			assert.Equal(t, 9200, msg.Port)
			require.Eventually(t, func() bool { return rowCount(t, rows) == 0 }, waitFor, tick)
		})
	}
}

func TestDedupBoundary(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	first := testPDU("+400", 0, 1, 1, sms.PortText, 1000, "same body")
	assert.Equal(t, sms.AckHandled, receive(t, c, first))
	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)

	// Identical retransmission of a staged message.
	assert.Equal(t, sms.AckHandled, receive(t, c, first))
	// Same body and address, different timestamp: a distinct message.
	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+400", 0, 1, 1, sms.PortText, 2000, "same body")))

	all, err := rows.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	b.complete(0)
	require.Eventually(t, func() bool { return b.count() == 2 }, waitFor, tick)
	assert.Equal(t, [][]byte{[]byte("same body")}, b.message(1).Payloads)
	b.complete(1)
	require.Eventually(t, func() bool { return rowCount(t, rows) == 0 }, waitFor, tick)
	assert.Equal(t, 2, b.count())
}

func TestMultipartSequenceCollision(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+500", 3, 1, 2, sms.PortText, 10, "a")))
	// Same sequence with altered metadata while the first copy is live.
	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+500", 3, 1, 2, sms.PortText, 99, "x")))

	all, err := rows.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte("a"), all[0].Payload)
	assert.Equal(t, 0, b.count())
}

func TestSerializedBroadcasts(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+600", 0, 1, 1, sms.PortText, 1, "one")))
	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)

	// Persisted and acknowledged while the first session is in flight.
	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+601", 0, 1, 1, sms.PortText, 2, "two")))
	assert.Equal(t, 2, rowCount(t, rows))
	assert.Never(t, func() bool { return b.count() > 1 }, 50*time.Millisecond, tick)

	b.complete(0)
	require.Eventually(t, func() bool { return b.count() == 2 }, waitFor, tick)
	assert.Equal(t, "+601", b.message(1).Address)
	b.complete(1)
	require.Eventually(t, func() bool { return rowCount(t, rows) == 0 }, waitFor, tick)
}

func TestGuardLifecycle(t *testing.T) {
	keeper := &countingKeeper{}
	g := guard.New(keeper, nil)
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, g)

	// A segment held back in Startup still keeps the process awake.
	acked := make(chan sms.AckCode, 1)
	c.Deliver(testPDU("+700", 0, 1, 1, sms.PortText, 1, "wake"), sms.FormatPrimary, func(code sms.AckCode) { acked <- code })
	require.Eventually(t, g.Held, waitFor, tick)
	assert.Never(t, func() bool { return len(acked) > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateStartup, c.State())

	c.StartAccepting()
	assert.Equal(t, sms.AckHandled, <-acked)
	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)

	// Held for the whole session, well past the grace delay.
	assert.Never(t, func() bool { return !g.Held() }, 100*time.Millisecond, tick)

	b.complete(0)
	// Still held through the grace delay after completion.
	assert.Never(t, func() bool { return !g.Held() }, 10*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return !g.Held() }, waitFor, tick)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, int32(1), keeper.acquired.Load())
	assert.Equal(t, int32(1), keeper.released.Load())
}

func TestRejectedSegments(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	assert.Equal(t, sms.AckGenericError, receive(t, c, []byte("garbage")))
	assert.Equal(t, sms.AckGenericError, receive(t, c, testPDU("", 0, 1, 1, sms.PortText, 1, "no address")))
	assert.Equal(t, sms.AckGenericError, receive(t, c, testPDU("+800", 1, 4, 3, sms.PortText, 1, "bad seq")))
	assert.Equal(t, sms.AckGenericError, receive(t, c, testPDU("+800", 0, 1, 1, sms.PortText, 1, strings.Repeat("x", 65))))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	code, err := c.Receive(ctx, testPDU("+800", 0, 1, 1, sms.PortText, 1, "cdma"), sms.FormatSecondary)
	require.NoError(t, err)
	assert.Equal(t, sms.AckGenericError, code)

	assert.Equal(t, 0, rowCount(t, rows))
	assert.Equal(t, 0, b.count())
}

func TestFilterDropDeletesRows(t *testing.T) {
	rows := memory.New()
	b := &fakeBroadcaster{drop: true}
	c := newTestCoordinator(t, rows, b, nil)
	c.StartAccepting()

	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+900", 0, 1, 1, sms.PortText, 1, "blocked")))
	require.Eventually(t, func() bool { return rowCount(t, rows) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, tick)
}

func TestStopRejectsQueuedSegments(t *testing.T) {
	keeper := &countingKeeper{}
	g := guard.New(keeper, nil)
	c := New(Config{}, memory.New(), &fakeBroadcaster{}, g, map[sms.Format]sms.Decoder{sms.FormatPrimary: testDecoder}, nil, nil)
	c.Start(context.Background())

	acked := make(chan sms.AckCode, 1)
	c.Deliver(testPDU("+1000", 0, 1, 1, sms.PortText, 1, "late"), sms.FormatPrimary, func(code sms.AckCode) { acked <- code })
	require.Eventually(t, g.Held, waitFor, tick)

	c.Stop()
	assert.Equal(t, sms.AckGenericError, <-acked)
	assert.False(t, g.Held())

	code, err := c.Receive(context.Background(), testPDU("+1000", 0, 1, 1, sms.PortText, 2, "after"), sms.FormatPrimary)
	assert.NoError(t, err)
	assert.Equal(t, sms.AckGenericError, code)
}

func TestStartAcceptingOnce(t *testing.T) {
	c := newTestCoordinator(t, memory.New(), &fakeBroadcaster{}, nil)
	assert.False(t, c.Accepting())

	c.StartAccepting()
	c.StartAccepting()
	assert.True(t, c.Accepting())
	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, tick)
	assert.Equal(t, 1, strings.Count(c.History(), eventStartAccepting.String()))
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()

	// First run: everything is persisted and staged, but the process dies
	// before the broadcast completes.
	store, err := badgerstore.New(badgerstore.Config{Dir: dir})
	require.NoError(t, err)

	b := &fakeBroadcaster{}
	c := New(Config{}, store, b, nil, map[sms.Format]sms.Decoder{sms.FormatPrimary: testDecoder}, nil, nil)
	c.Start(context.Background())
	c.StartAccepting()
	for seq := 1; seq <= 2; seq++ {
		assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+111", 5, seq, 2, sms.PortText, 7, fmt.Sprintf("part%d", seq))))
	}
	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
	// A second message that never got its last segment.
	assert.Equal(t, sms.AckHandled, receive(t, c, testPDU("+222", 9, 1, 2, sms.PortText, 8, "lonely")))
	c.Stop()
	require.NoError(t, store.Close())

	// Second run: the staged message is broadcast exactly once.
	store, err = badgerstore.New(badgerstore.Config{Dir: dir})
	require.NoError(t, err)

	b = &fakeBroadcaster{auto: true}
	c = New(Config{}, store, b, nil, map[sms.Format]sms.Decoder{sms.FormatPrimary: testDecoder}, nil, nil)
	c.Start(context.Background())
	require.NoError(t, c.Recover(context.Background()))
	assert.True(t, c.Accepting())
	require.Equal(t, 1, b.count())
	assert.Equal(t, [][]byte{[]byte("part1"), []byte("part2")}, b.message(0).Payloads)

	left, err := store.List()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "+222", left[0].Address)
	c.Stop()
	require.NoError(t, store.Close())

	// Third run: nothing left to broadcast.
	store, err = badgerstore.New(badgerstore.Config{Dir: dir})
	require.NoError(t, err)
	defer store.Close()

	b = &fakeBroadcaster{auto: true}
	c = New(Config{}, store, b, nil, map[sms.Format]sms.Decoder{sms.FormatPrimary: testDecoder}, nil, nil)
	c.Start(context.Background())
	defer c.Stop()
	require.NoError(t, c.Recover(context.Background()))
	assert.Equal(t, 0, b.count())
}

func TestRecoverUnstagedRows(t *testing.T) {
	rows := memory.New()
	// Rows persisted by a run that died before staging them.
	for seq := 1; seq <= 2; seq++ {
		_, err := rows.Insert(&storage.Row{
			Address: "+333", Reference: 1, Sequence: seq, Count: 2,
			Port: sms.PortText, Timestamp: 1, Payload: []byte{byte('a' + seq - 1)},
		})
		require.NoError(t, err)
	}
	_, err := rows.Insert(&storage.Row{Address: "+334", Sequence: 1, Count: 1, Port: sms.PortText, Timestamp: 2, Payload: []byte("solo"), Body: "solo"})
	require.NoError(t, err)

	b := &fakeBroadcaster{auto: true}
	c := newTestCoordinator(t, rows, b, nil)
	require.NoError(t, c.Recover(context.Background()))

	require.Equal(t, 2, b.count())
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, b.message(0).Payloads)
	assert.Equal(t, [][]byte{[]byte("solo")}, b.message(1).Payloads)
	assert.Equal(t, 0, rowCount(t, rows))
}

func TestRecoveryHoldsGuard(t *testing.T) {
	rows := memory.New()
	_, err := rows.Insert(&storage.Row{Address: "+335", Sequence: 1, Count: 1, Port: sms.PortText, Timestamp: 3, Payload: []byte("late"), Body: "late"})
	require.NoError(t, err)

	keeper := &countingKeeper{}
	g := guard.New(keeper, nil)
	b := &fakeBroadcaster{}
	c := newTestCoordinator(t, rows, b, g)

	recovered := make(chan error, 1)
	go func() { recovered <- c.Recover(context.Background()) }()

	require.Eventually(t, func() bool { return b.count() == 1 }, waitFor, tick)
	assert.True(t, g.Held())
	assert.Never(t, func() bool { return !g.Held() }, 50*time.Millisecond, tick)

	b.complete(0)
	require.NoError(t, <-recovered)
	assert.True(t, c.Accepting())
	require.Eventually(t, func() bool { return !g.Held() }, waitFor, tick)
	assert.Equal(t, int32(1), keeper.acquired.Load())
	assert.Equal(t, int32(1), keeper.released.Load())
	assert.Equal(t, 0, rowCount(t, rows))
}
