package mempool

import "errors"

var (
	// ErrSlotFinalized is returned when adding to a slot whose constraint
	// membership has been frozen.
	ErrSlotFinalized = errors.New("slot is finalized")

	// ErrAlreadyExists is returned when a commitment with the same identity
	// is already stored for the slot.
	ErrAlreadyExists = errors.New("commitment already exists in store")

	// ErrNotFound is returned when the requested slot is not tracked.
	ErrNotFound = errors.New("slot not found in store")

	// ErrConstraintSetExists guards the single-writer invariant: at most one
	// constraint set per slot.
	ErrConstraintSetExists = errors.New("constraint set already recorded for slot")

	// ErrNotFinalized is returned when an operation requires a frozen slot.
	ErrNotFinalized = errors.New("slot is not finalized")

	// ErrAlreadyResolved is returned when resolution is recorded twice.
	ErrAlreadyResolved = errors.New("slot already resolved")
)
