// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package actionfsm provides a small finite-state machine for driving the
// invalidator's pre/post-execution handling of schema-altering commands.
//
// The package is split into two main types: Transitions and Machine.
// Transitions is an immutable state graph with Events acting as the
// directed edges between different States. The graph is built by calling
// Compile on a Pattern, meant to be done once at package init time. This
// pattern is a mapping from current States to Events that may be applied
// on those states, yielding resulting Transitions. To add new transitions,
// adjust the Pattern passed to Compile. Transitions are not used directly
// after creation; instead they back Machine instances, one per invalidated
// command, so a single Transitions graph can drive many Machines
// concurrently.
package actionfsm

import "fmt"

// State identifies a point in a command's invalidation lifecycle.
type State string

// Event identifies something that happened to a command being invalidated.
type Event string

// Any matches every state not otherwise listed; used as a wildcard State
// in a Pattern the way a catch-all transition would be. Events have no
// wildcard.
const Any State = "*"

// Transition is the result of applying an Event to a State: the next State
// plus an Action describing what the invalidator should do to the cache at
// that point.
type Transition struct {
	Next   State
	Action Action
}

// Action is what the invalidator should perform on the entry table as a
// result of a transition.
type Action string

const (
	// ActionNone performs no cache mutation.
	ActionNone Action = "none"
	// ActionDiscard discards the plan blob but keeps the entry shell.
	ActionDiscard Action = "discard"
	// ActionEvict removes the entry (and its dependencies) entirely.
	ActionEvict Action = "evict"
	// ActionLock marks the entry as temporarily unusable for new installs.
	ActionLock Action = "lock"
	// ActionUnlock reverses ActionLock.
	ActionUnlock Action = "unlock"
	// ActionResetDatabase requests a full database-scoped cache reset.
	ActionResetDatabase Action = "reset_database"
)

// Pattern maps a (State, Event) pair to the Transition it produces. Use Any
// as the State to match any state not otherwise present for that Event.
type Pattern map[State]map[Event]Transition

// Transitions is a compiled, immutable state graph.
type Transitions struct {
	pattern Pattern
}

// Compile builds a Transitions graph from p. p is not retained mutably
// after Compile returns (Transitions treats it as immutable).
func Compile(p Pattern) *Transitions {
	return &Transitions{pattern: p}
}

// Apply looks up the transition for (s, e), falling back to the Any state
// if s has no specific entry. It returns an error if no transition exists
// for e in either the specific or the Any entry.
func (t *Transitions) Apply(s State, e Event) (Transition, error) {
	if byEvent, ok := t.pattern[s]; ok {
		if tr, ok := byEvent[e]; ok {
			return tr, nil
		}
	}
	if byEvent, ok := t.pattern[Any]; ok {
		if tr, ok := byEvent[e]; ok {
			return tr, nil
		}
	}
	return Transition{}, fmt.Errorf("actionfsm: no transition for state %q event %q", s, e)
}

// Machine is an instantiation of the state machine, tracking one command's
// current State against a shared, stateless Transitions graph.
type Machine struct {
	transitions *Transitions
	current     State
}

// NewMachine creates a Machine starting in initial, driven by t.
func NewMachine(t *Transitions, initial State) *Machine {
	return &Machine{transitions: t, current: initial}
}

// Apply applies e to the machine's current state, moving it to the
// resulting state and returning the Action the caller should perform.
func (m *Machine) Apply(e Event) (Action, error) {
	tr, err := m.transitions.Apply(m.current, e)
	if err != nil {
		return ActionNone, err
	}
	m.current = tr.Next
	return tr.Action, nil
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.current
}
