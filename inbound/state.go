// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package inbound

import (
	"fmt"

	"github.com/absmach/smsinbound/broadcast"
	"github.com/absmach/smsinbound/sms"
)

// State is the delivery coordinator state.
type State uint32

const (
	// StateStartup holds every event until prior rows are recovered.
	StateStartup State = iota
	// StateIdle has no work; the guard is released after the grace delay.
	StateIdle
	// StateDelivering persists segments and stages broadcasts.
	StateDelivering
	// StateWaiting is Delivering with a broadcast session in flight.
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateIdle:
		return "idle"
	case StateDelivering:
		return "delivering"
	case StateWaiting:
		return "waiting"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

type eventKind uint8

const (
	eventNewSegment eventKind = iota
	eventStage
	eventReturnToIdle
	eventBroadcastStarted
	eventBroadcastComplete
	eventReleaseGuard
	eventStartAccepting
)

func (k eventKind) String() string {
	switch k {
	case eventNewSegment:
		return "new_segment"
	case eventStage:
		return "stage_broadcast"
	case eventReturnToIdle:
		return "return_to_idle"
	case eventBroadcastStarted:
		return "broadcast_started"
	case eventBroadcastComplete:
		return "broadcast_complete"
	case eventReleaseGuard:
		return "release_guard"
	case eventStartAccepting:
		return "start_accepting"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// segment is a PDU waiting to be decoded and persisted.
type segment struct {
	pdu    []byte
	format sms.Format
	ack    func(sms.AckCode)
}

type event struct {
	kind    eventKind
	seg     *segment
	tracker sms.Tracker
	result  broadcast.Result
	gen     uint64
}

type action uint8

const (
	actDefer action = iota
	actReplayDeferred
	actAcquireGuard
	actScheduleRelease
	actReleaseIfCurrent
	actRehandle
	actPersist
	actStage
	actFinishBroadcast
	actPostReturnToIdle
	actUnhandled
)

var actionNames = [...]string{
	actDefer:            "defer",
	actReplayDeferred:   "replay_deferred",
	actAcquireGuard:     "acquire_guard",
	actScheduleRelease:  "schedule_release",
	actReleaseIfCurrent: "release_if_current",
	actRehandle:         "rehandle",
	actPersist:          "persist",
	actStage:            "stage",
	actFinishBroadcast:  "finish_broadcast",
	actPostReturnToIdle: "post_return_to_idle",
	actUnhandled:        "unhandled",
}

func (a action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// transition is the coordinator's state table. It never touches the store
// or the guard; the coordinator applies the returned actions in order,
// after switching to the returned state.
func transition(s State, k eventKind) (State, []action) {
	switch s {
	case StateStartup:
		switch k {
		case eventStartAccepting:
			return StateIdle, []action{actScheduleRelease, actReplayDeferred}
		case eventNewSegment:
			return StateStartup, []action{actAcquireGuard, actDefer}
		default:
			return StateStartup, []action{actDefer}
		}

	case StateIdle:
		switch k {
		case eventNewSegment, eventStage:
			return StateDelivering, []action{actAcquireGuard, actRehandle}
		case eventReleaseGuard:
			return StateIdle, []action{actReleaseIfCurrent}
		case eventReturnToIdle, eventStartAccepting:
			return StateIdle, nil
		}

	case StateWaiting:
		switch k {
		case eventStage:
			return StateWaiting, []action{actDefer}
		case eventReturnToIdle:
			return StateWaiting, nil
		case eventBroadcastComplete:
			return StateDelivering, []action{actFinishBroadcast, actReplayDeferred, actPostReturnToIdle}
		case eventBroadcastStarted:
			// Only a Delivering stage can start a session.
		default:
			// Everything else is handled the way Delivering handles it.
			if _, acts := transition(StateDelivering, k); len(acts) == 0 || acts[0] != actUnhandled {
				return StateWaiting, acts
			}
		}

	case StateDelivering:
		switch k {
		case eventNewSegment:
			return StateDelivering, []action{actPersist}
		case eventStage:
			return StateDelivering, []action{actStage}
		case eventBroadcastStarted:
			return StateWaiting, nil
		case eventReturnToIdle:
			return StateIdle, []action{actScheduleRelease}
		case eventReleaseGuard:
			return StateDelivering, []action{actReleaseIfCurrent}
		case eventStartAccepting:
			return StateDelivering, nil
		}
	}
	return s, []action{actUnhandled}
}
