package module

import (
	"time"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// AdmissionMetrics tracks commitment admission outcomes.
type AdmissionMetrics interface {
	CommitmentAccepted(txs int, gas uint64)
	CommitmentRejected(reason string)
	DuplicateRequest()
}

// StoreMetrics tracks the commitment store footprint.
type StoreMetrics interface {
	SlotTracked()
	SlotsPruned(count uint)
	CommitmentsStored(count uint)
}

// AggregatorMetrics tracks per-slot aggregation outcomes.
type AggregatorMetrics interface {
	SlotSigned(dur time.Duration)
	SlotUnsigned()
	SlotResolved(included, broken int)
}

// RelayMetrics tracks gateway publications and validations.
type RelayMetrics interface {
	SubmissionRecorded(relay string, status preconf.SubmissionStatus)
	PublishLatency(dur time.Duration)
	PayloadValidated(satisfied bool)
}
