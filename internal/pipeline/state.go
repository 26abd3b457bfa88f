package pipeline

import "time"

// State is a step of the per-turn state machine.
type State string

const (
	StateIdle            State = "idle"
	StateRetrieving      State = "retrieving"
	StateGating          State = "gating"
	StateRejected        State = "rejected"
	StateSynthesizing    State = "synthesizing"
	StateSynthesisFailed State = "synthesis_failed"
	StateDispatching     State = "dispatching"
	StateContextUpdating State = "context_updating"
	StateSummarizing     State = "summarizing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateSynthesisFailed, StateDone, StateFailed:
		return true
	}
	return false
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:            {StateRetrieving, StateFailed},
	StateRetrieving:      {StateGating, StateFailed},
	StateGating:          {StateRejected, StateSynthesizing, StateFailed},
	StateSynthesizing:    {StateSynthesisFailed, StateDispatching, StateFailed},
	StateDispatching:     {StateContextUpdating, StateFailed},
	StateContextUpdating: {StateSummarizing, StateFailed},
	StateSummarizing:     {StateDone, StateFailed},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change of a turn.
type Transition struct {
	TurnID string
	From   State
	To     State
	At     time.Time
}
