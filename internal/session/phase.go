package session

import (
	"errors"
	"time"
)

// Phase is the active step of a voice turn. Exactly one phase is current at a time.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseSpeaking   Phase = "speaking"
)

// ErrInvalidTransition reports a rejected phase change. The machine never retries.
var ErrInvalidTransition = errors.New("invalid phase transition")

// transitions never change after init and contain no self edges.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseListening},
	PhaseListening:  {PhaseProcessing, PhaseIdle},
	PhaseProcessing: {PhaseSpeaking, PhaseIdle},
	PhaseSpeaking:   {PhaseIdle},
}

// Phases lists every defined phase in declaration order.
func Phases() []Phase {
	return []Phase{PhaseIdle, PhaseListening, PhaseProcessing, PhaseSpeaking}
}

func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

func (p Phase) String() string { return string(p) }

// Allowed reports whether the transition table has an edge from -> to.
func Allowed(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable returns a copy of the phases directly reachable from p.
func Reachable(p Phase) []Phase {
	next := transitions[p]
	out := make([]Phase, len(next))
	copy(out, next)
	return out
}

// Transition is one committed phase change.
type Transition struct {
	Seq    uint64    `json:"seq"`
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Forced bool      `json:"forced"`
	At     time.Time `json:"at"`
}
