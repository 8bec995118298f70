package preconf

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus is the terminal outcome of one relay publication attempt.
type SubmissionStatus string

const (
	SubmissionOK       SubmissionStatus = "ok"
	SubmissionFailed   SubmissionStatus = "failed"
	SubmissionTimedOut SubmissionStatus = "timed_out"
)

// RelaySubmission records one attempt to publish a constraint set to one
// relay endpoint. Submissions are append-only and kept for audit.
type RelaySubmission struct {
	ID          uuid.UUID        `json:"id" cbor:"1,keyasint"`
	Slot        Slot             `json:"slot" cbor:"2,keyasint"`
	Relay       string           `json:"relay" cbor:"3,keyasint"`
	SubmittedAt time.Time        `json:"submitted_at" cbor:"4,keyasint"`
	Status      SubmissionStatus `json:"status" cbor:"5,keyasint"`
	Error       string           `json:"error,omitempty" cbor:"6,keyasint,omitempty"`
}

// NewRelaySubmission stamps a new audit record for the given attempt.
func NewRelaySubmission(slot Slot, relay string, status SubmissionStatus, errMsg string) *RelaySubmission {
	return &RelaySubmission{
		ID:          uuid.New(),
		Slot:        slot,
		Relay:       relay,
		SubmittedAt: time.Now().UTC(),
		Status:      status,
		Error:       errMsg,
	}
}
