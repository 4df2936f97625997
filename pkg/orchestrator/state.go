package orchestrator

import "fmt"

// State is a step of the per-query state machine.
type State string

const (
	StateClassify State = "CLASSIFY"
	StateDispatch State = "DISPATCH"
	StateValidate State = "VALIDATE"
	StateEscalate State = "ESCALATE"
	StateDone     State = "DONE"
	StateFail     State = "FAIL"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFail
}

func allowedTransition(from, to State) bool {
	switch from {
	case StateClassify:
		return to == StateDispatch || to == StateFail
	case StateDispatch:
		return to == StateValidate || to == StateEscalate || to == StateFail
	case StateValidate:
		return to == StateDone || to == StateEscalate || to == StateFail
	case StateEscalate:
		return to == StateDispatch || to == StateFail
	default:
		return false
	}
}

// machine tracks the current state and every state visited.
type machine struct {
	state State
	trace []State
}

func newMachine() *machine {
	return &machine{state: StateClassify, trace: []State{StateClassify}}
}

func (m *machine) to(next State) error {
	if !allowedTransition(m.state, next) {
		return fmt.Errorf("disallowed transition: %s -> %s", m.state, next)
	}
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}
