package preconf

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate is returned when a commitment for the same execution resource
// is already pending for the slot from the same origin signer.
var ErrDuplicate = errors.New("commitment already pending for resource")

// InvalidCommitmentError wraps any structural or cryptographic defect of a
// commitment request: undecodable transactions, bad signatures, wrong chain.
// Such requests are rejected as malformed and never reach the store.
type InvalidCommitmentError struct {
	err error
}

func NewInvalidCommitmentErrorf(msg string, args ...interface{}) error {
	return InvalidCommitmentError{err: fmt.Errorf(msg, args...)}
}

func (e InvalidCommitmentError) Error() string {
	return fmt.Sprintf("invalid commitment request: %s", e.err.Error())
}

func (e InvalidCommitmentError) Unwrap() error {
	return e.err
}

func IsInvalidCommitmentError(err error) bool {
	var target InvalidCommitmentError
	return errors.As(err, &target)
}

// DeadlineExceededError rejects a request that arrived at or after the
// slot's commitment deadline.
type DeadlineExceededError struct {
	Slot     Slot
	Deadline time.Time
}

func (e DeadlineExceededError) Error() string {
	return fmt.Sprintf("commitment deadline for slot %d passed at %s", e.Slot, e.Deadline.Format(time.RFC3339Nano))
}

func IsDeadlineExceededError(err error) bool {
	var target DeadlineExceededError
	return errors.As(err, &target)
}

// ConflictingCommitmentError rejects the later of two commitments claiming
// the same execution resource for the same slot from different signers.
type ConflictingCommitmentError struct {
	Slot     Slot
	Resource Resource
	Holder   SignerID
}

func (e ConflictingCommitmentError) Error() string {
	return fmt.Sprintf("resource %s for slot %d already committed via signer %s", e.Resource, e.Slot, e.Holder)
}

func IsConflictingCommitmentError(err error) bool {
	var target ConflictingCommitmentError
	return errors.As(err, &target)
}

// LimitExceededError rejects a request that would push the slot past a
// configured admission limit.
type LimitExceededError struct {
	Slot  Slot
	Limit string
}

func (e LimitExceededError) Error() string {
	return fmt.Sprintf("admission limit %q reached for slot %d", e.Limit, e.Slot)
}

func IsLimitExceededError(err error) bool {
	var target LimitExceededError
	return errors.As(err, &target)
}
