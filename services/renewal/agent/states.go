// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"errors"
	"fmt"
)

// State is a runner state.
type State string

const (
	StatePlanning     State = "planning"
	StateRetrieving   State = "retrieving"
	StateSynthesizing State = "synthesizing"
	StateValidating   State = "validating"
	StateDone         State = "done"
	StateDegraded     State = "degraded"
	StateAborted      State = "aborted"
)

// ErrInvalidTransition is returned for a transition outside the graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the runner's state graph:
//
//	planning     → retrieving           : plan built
//	retrieving   → synthesizing         : every retrieval joined
//	synthesizing → validating           : attempt produced output
//	validating   → synthesizing         : retry with a correction note
//	validating   → done                 : accepted
//	validating   → degraded             : attempts exhausted
//	*            → aborted              : budget, deadline, upstream or authorization
var transitions = map[State][]State{
	StatePlanning:     {StateRetrieving, StateAborted},
	StateRetrieving:   {StateSynthesizing, StateAborted},
	StateSynthesizing: {StateValidating, StateAborted},
	StateValidating:   {StateSynthesizing, StateDone, StateDegraded, StateAborted},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDegraded || s == StateAborted
}

// CanTransition reports whether from → to is in the graph.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
