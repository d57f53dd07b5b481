// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package guard keeps the process awake while inbound work is outstanding.
package guard

import (
	"log/slog"
	"sync"
	"time"
)

// Keeper is the platform primitive behind the guard, such as a wake lock or
// a systemd inhibitor. Acquire and Release are called strictly alternately.
type Keeper interface {
	Acquire()
	Release()
}

// NopKeeper is a Keeper that does nothing.
type NopKeeper struct{}

func (NopKeeper) Acquire() {}
func (NopKeeper) Release() {}

// Observer is notified whenever the held state flips.
type Observer func(held bool)

// Guard is an acquire-once, idempotent-release handle over a Keeper with a
// cancellable delayed release.
//
// Delayed releases are identified by a generation number. Any Acquire or
// Cancel bumps the generation, so a release whose timer already fired but
// has not been applied yet becomes stale and is ignored.
type Guard struct {
	mu       sync.Mutex
	keeper   Keeper
	observer Observer
	logger   *slog.Logger
	held     bool
	timer    *time.Timer
	gen      uint64
	since    time.Time
}

// New creates a guard over k. A nil keeper is replaced by NopKeeper.
func New(k Keeper, logger *slog.Logger) *Guard {
	if k == nil {
		k = NopKeeper{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{keeper: k, logger: logger}
}

// SetObserver registers a callback for held-state changes.
func (g *Guard) SetObserver(o Observer) {
	g.mu.Lock()
	g.observer = o
	g.mu.Unlock()
}

// Acquire takes the guard if it is not held and cancels any pending release.
func (g *Guard) Acquire() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelLocked()
	if g.held {
		return
	}
	g.keeper.Acquire()
	g.held = true
	g.since = time.Now()
	g.logger.Debug("guard_acquired")
	if g.observer != nil {
		g.observer(true)
	}
}

// ReleaseIfHeld releases the guard. Redundant calls are harmless.
func (g *Guard) ReleaseIfHeld() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelLocked()
	return g.releaseLocked()
}

// ReleaseAfter schedules a release after d. When the delay elapses fire is
// called with the generation to pass to ReleaseIfCurrent. Scheduling a new
// release replaces the previous one.
func (g *Guard) ReleaseAfter(d time.Duration, fire func(gen uint64)) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelLocked()
	gen := g.gen
	g.timer = time.AfterFunc(d, func() { fire(gen) })
	return gen
}

// Cancel drops a pending delayed release.
func (g *Guard) Cancel() {
	g.mu.Lock()
	g.cancelLocked()
	g.mu.Unlock()
}

// ReleaseIfCurrent applies a delayed release unless it has been superseded.
func (g *Guard) ReleaseIfCurrent(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.gen {
		return false
	}
	g.timer = nil
	return g.releaseLocked()
}

// Held reports whether the guard is currently held.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

func (g *Guard) cancelLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
}

func (g *Guard) releaseLocked() bool {
	if !g.held {
		return false
	}
	g.keeper.Release()
	g.held = false
	g.logger.Debug("guard_released", slog.Duration("held_for", time.Since(g.since)))
	if g.observer != nil {
		g.observer(false)
	}
	return true
}
