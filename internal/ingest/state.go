package ingest

import (
	"fmt"

	"github.com/roach88/fieldrec/internal/ir"
)

// State is a step of the ingestion state machine.
type State string

const (
	StateReceived      State = "received"
	StateValidating    State = "validating"
	StateRejected      State = "rejected"
	StateDeduplicating State = "deduplicating"
	StateDuplicate     State = "duplicate"
	StateCommitting    State = "committing"
	StateCommitted     State = "committed"
	StateFailed        State = "failed"
)

// transitions lists the allowed successor states. Deduplicating may follow
// Committing once, when a conditional insert loses a race.
var transitions = map[State][]State{
	StateReceived:      {StateValidating, StateFailed},
	StateValidating:    {StateRejected, StateDeduplicating},
	StateDeduplicating: {StateDuplicate, StateCommitting, StateFailed},
	StateCommitting:    {StateCommitted, StateDeduplicating, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Status is the externally visible result of a successful submission.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusDuplicate Status = "duplicate"
)

// Outcome is the result of a successful Submit.
type Outcome struct {
	Record ir.Record
	Status Status
	Trail  []State // states visited, Received first
}

// machine records the path through the state machine and rejects
// transitions that are not in the table.
type machine struct {
	trail []State
}

func newMachine() *machine {
	return &machine{trail: []State{StateReceived}}
}

func (m *machine) current() State { return m.trail[len(m.trail)-1] }

func (m *machine) to(next State) {
	cur := m.current()
	for _, allowed := range transitions[cur] {
		if allowed == next {
			m.trail = append(m.trail, next)
			return
		}
	}
	panic(fmt.Sprintf("ingest: illegal transition %s -> %s", cur, next))
}
