package mempool

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// Commitments is the slot-indexed store of accepted commitments, their
// frozen constraint sets, and the relay submission audit log. It is the only
// shared mutable structure in the sidecar; every component goes through this
// contract.
type Commitments interface {
	// Add appends a pending commitment to its slot. It fails with
	// ErrSlotFinalized once the slot's membership is frozen, and with
	// ErrAlreadyExists when the same logical commitment is stored already.
	Add(commitment *preconf.Commitment) error

	// BySlot returns a copy of the slot's commitments in canonical order.
	BySlot(slot preconf.Slot) []*preconf.Commitment

	// Finalize freezes the slot's membership and returns the canonical
	// snapshot. It is idempotent: repeated calls return the same snapshot
	// and never recompute the order.
	Finalize(slot preconf.Slot) []*preconf.Commitment

	// SetConstraintSet records the slot's one signed constraint set. A
	// second set is rejected with ErrConstraintSetExists; an unfinalized
	// slot is rejected with ErrNotFinalized.
	SetConstraintSet(slot preconf.Slot, set *preconf.ConstraintSet) error

	// ConstraintSet returns the slot's signed constraint set, if recorded.
	ConstraintSet(slot preconf.Slot) (*preconf.ConstraintSet, bool)

	// Phase returns the slot's lifecycle phase. Untracked slots are Open.
	Phase(slot preconf.Slot) preconf.SlotPhase

	// SetPhase advances the slot's lifecycle. Invalid transitions fail.
	SetPhase(slot preconf.Slot, phase preconf.SlotPhase) error

	// MarkResolved flips every commitment of the slot to included or broken
	// depending on membership in the included set. Resolution is recorded
	// exactly once and is never retracted.
	MarkResolved(slot preconf.Slot, included map[common.Hash]struct{}) error

	// RecordSubmission appends a relay submission audit record.
	RecordSubmission(sub *preconf.RelaySubmission)

	// Submissions returns the slot's audit records in insertion order.
	Submissions(slot preconf.Slot) []*preconf.RelaySubmission

	// PruneUpTo evicts all slots strictly below the horizon that have
	// reached a terminal phase, and returns how many were evicted. Slots
	// awaiting resolution are retained regardless of age.
	PruneUpTo(horizon preconf.Slot) uint

	// ForceResolveUpTo resolves every non-terminal slot strictly below the
	// horizon as unobserved, marking its pending commitments broken, and
	// returns the forced slots. This is the safety valve keeping the store
	// bounded when a slot's payload is never observed; the horizon must lie
	// far below the regular pruning horizon.
	ForceResolveUpTo(horizon preconf.Slot) []preconf.Slot

	// Size returns the number of tracked slots.
	Size() uint

	// ExportAudit returns a canonical binary encoding of the slot's audit
	// trail (resolved commitments and relay submissions).
	ExportAudit(slot preconf.Slot) ([]byte, error)
}
