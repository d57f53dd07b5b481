// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/sms"
	"github.com/absmach/smsinbound/storage"
)

// pendingGroup is the set of rows recovery handles as one message.
type pendingGroup struct {
	sel     sms.Selector
	key     sms.MessageKey
	format  sms.Format
	deleted bool
	first   uint64
	rows    []*storage.Row
}

// Recover re-stages every row left by an earlier run and then calls
// StartAccepting. Complete messages are broadcast one at a time, waiting
// for each session to finish before hard-deleting its rows. Rows of
// incomplete messages are left for their missing segments.
//
// It must run while the coordinator is in Startup, which holds new
// segments back until recovery is over. The guard is held throughout and
// released after the grace delay once the coordinator is idle.
func (c *Coordinator) Recover(ctx context.Context) error {
	// Held until the coordinator settles in Idle after recovery.
	c.guard.Acquire()

	rows, err := c.store.Pending()
	if err != nil {
		return fmt.Errorf("list pending rows: %w", err)
	}

	groups := groupPending(rows)
	var staged, stalled int
	for _, g := range groups {
		comp, err := assemble(g.key, g.format, g.rows)
		if err != nil || comp == nil {
			if g.deleted {
				// Staged rows of a message that can no longer be rebuilt.
				c.logger.Warn("recovery_dropped_partial",
					slog.String("selector", g.sel.String()),
					slog.Int("rows", len(g.rows)))
				c.hardDelete(g.sel)
				continue
			}
			stalled++
			continue
		}
		comp.Selector = g.sel

		if !g.deleted {
			if err := c.store.SoftDelete(g.sel); err != nil {
				return fmt.Errorf("soft delete %s: %w", g.sel, err)
			}
		}
		if err := c.rebroadcast(ctx, comp); err != nil {
			return err
		}
		c.hardDelete(g.sel)
		staged++
	}

	c.logger.Info("recovery_complete",
		slog.Int("rows", len(rows)),
		slog.Int("restaged", staged),
		slog.Int("incomplete", stalled))
	c.StartAccepting()
	return nil
}

func (c *Coordinator) rebroadcast(ctx context.Context, comp *Completion) error {
	done := make(chan broadcast.Result, 1)
	s, started := c.broadcaster.Start(ctx, comp.Message(), comp.Selector, func(res broadcast.Result) {
		done <- res
	})
	if !started {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recover session %s: %w", s.ID, ctx.Err())
	}
}

// groupPending splits rows into messages. Single-part rows stand alone.
// Multi-part rows are grouped by key, keeping staged (soft-deleted) rows
// apart from live rows that reuse the same key.
func groupPending(rows []*storage.Row) []*pendingGroup {
	type groupID struct {
		key     sms.MessageKey
		id      uint64
		deleted bool
	}

	index := make(map[groupID]*pendingGroup)
	var groups []*pendingGroup
	for _, r := range rows {
		gid := groupID{key: r.Key(), deleted: r.Deleted}
		sel := sms.Selector{Key: r.Key(), Multi: true}
		if r.Count <= 1 {
			gid.id = r.ID
			sel = sms.Selector{ID: r.ID}
		}
		g, ok := index[gid]
		if !ok {
			g = &pendingGroup{
				sel:     sel,
				key:     r.Key(),
				format:  sms.Format(r.Format),
				deleted: r.Deleted,
				first:   r.ID,
			}
			index[gid] = g
			groups = append(groups, g)
		}
		g.first = min(g.first, r.ID)
		g.rows = append(g.rows, r)
	}

	// Replay in arrival order.
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].first < groups[j].first
	})
	for _, g := range groups {
		storage.SortRows(g.rows)
	}
	return groups
}
