// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filter defines the contract of the carrier and system filtering
// gateways consulted before a completed message is delivered.
package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/smsinbound/sms"
)

// Verdict is a gateway decision.
type Verdict uint8

const (
	// Deliver lets the message through to consumers.
	Deliver Verdict = iota
	// Drop intercepts the message; consumers never see it.
	Drop
	// Defer means the gateway decides later through the resolve callback.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Deliver:
		return "deliver"
	case Drop:
		return "drop"
	case Defer:
		return "defer"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Gateway inspects a completed message. When it returns Defer it must call
// resolve exactly once, from any goroutine, with Deliver or Drop. resolve
// is never used for any other return value.
type Gateway interface {
	Filter(ctx context.Context, msg *sms.Message, resolve func(Verdict)) Verdict
}

// Func adapts a synchronous function to the Gateway interface.
type Func func(ctx context.Context, msg *sms.Message) Verdict

// Filter implements Gateway.
func (f Func) Filter(ctx context.Context, msg *sms.Message, _ func(Verdict)) Verdict {
	return f(ctx, msg)
}

// Candidate is one installed gateway competing for a stage.
type Candidate struct {
	Name    string
	Enabled bool
	Gateway Gateway
}

// Stage picks the single enabled candidate for one filtering role.
type Stage struct {
	Name     string
	selected *Candidate
}

// NewStage selects the stage gateway. Zero or several enabled candidates
// leave the stage without a gateway; there is no tie-break.
func NewStage(name string, candidates []Candidate, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stage{Name: name}
	var enabled []Candidate
	for _, c := range candidates {
		if c.Enabled && c.Gateway != nil {
			enabled = append(enabled, c)
		}
	}

	switch len(enabled) {
	case 0:
		logger.Debug("filter_stage_empty", slog.String("stage", name))
	case 1:
		s.selected = &enabled[0]
		logger.Info("filter_stage_selected",
			slog.String("stage", name),
			slog.String("gateway", enabled[0].Name))
	default:
		logger.Warn("filter_stage_ambiguous",
			slog.String("stage", name),
			slog.Int("candidates", len(enabled)))
	}
	return s
}

// Selected returns the chosen candidate name, or "" when the stage is off.
func (s *Stage) Selected() string {
	if s.selected == nil {
		return ""
	}
	return s.selected.Name
}

// Chain runs stages in order. The first Drop wins; a message passes when
// every active stage delivers it.
type Chain struct {
	gateways []Gateway
}

var _ Gateway = (*Chain)(nil)

// NewChain builds a chain from stages, skipping the inactive ones.
func NewChain(stages ...*Stage) *Chain {
	c := &Chain{}
	for _, s := range stages {
		if s != nil && s.selected != nil {
			c.gateways = append(c.gateways, s.selected.Gateway)
		}
	}
	return c
}

// Len returns the number of active stages.
func (c *Chain) Len() int {
	return len(c.gateways)
}

// Filter implements Gateway.
func (c *Chain) Filter(ctx context.Context, msg *sms.Message, resolve func(Verdict)) Verdict {
	return c.from(ctx, msg, 0, resolve)
}

func (c *Chain) from(ctx context.Context, msg *sms.Message, i int, resolve func(Verdict)) Verdict {
	for ; i < len(c.gateways); i++ {
		next := i + 1
		v := c.gateways[i].Filter(ctx, msg, func(v Verdict) {
			if v == Drop {
				resolve(Drop)
				return
			}
			if rv := c.from(ctx, msg, next, resolve); rv != Defer {
				resolve(rv)
			}
		})
		if v != Deliver {
			return v
		}
	}
	return Deliver
}
