package preconf

import "fmt"

// Slot identifies one consensus slot. Slots are monotonically increasing and
// each one owns the fixed-length time window [start, start+slotDuration).
type Slot uint64

func (s Slot) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// SlotPhase captures the lifecycle of a slot inside the sidecar:
//
//	Open -> LeadTimeReached -> Signed -> Resolved
//
// A slot whose constraint set could not be signed terminates at Unsigned
// instead of Signed. Resolved and Unsigned are terminal.
type SlotPhase int

const (
	PhaseOpen SlotPhase = iota
	PhaseLeadTimeReached
	PhaseSigned
	PhaseUnsigned
	PhaseResolved
)

func (p SlotPhase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseLeadTimeReached:
		return "lead_time_reached"
	case PhaseSigned:
		return "signed"
	case PhaseUnsigned:
		return "unsigned"
	case PhaseResolved:
		return "resolved"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Terminal returns true if no further transition is allowed out of p.
func (p SlotPhase) Terminal() bool {
	return p == PhaseResolved || p == PhaseUnsigned
}

// ValidTransition returns true if a slot may move from phase p to next.
// Transitions only ever move forward; both terminal phases are absorbing.
func (p SlotPhase) ValidTransition(next SlotPhase) bool {
	switch p {
	case PhaseOpen:
		return next == PhaseLeadTimeReached
	case PhaseLeadTimeReached:
		return next == PhaseSigned || next == PhaseUnsigned
	case PhaseSigned:
		return next == PhaseResolved
	default:
		return false
	}
}
