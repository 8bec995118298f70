package metrics

import (
	"time"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// NoopCollector satisfies every metrics interface with no-ops; used in tests
// and wherever a subsystem runs without a registry.
type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) CommitmentAccepted(txs int, gas uint64)                           {}
func (nc *NoopCollector) CommitmentRejected(reason string)                                 {}
func (nc *NoopCollector) DuplicateRequest()                                                {}
func (nc *NoopCollector) SlotTracked()                                                     {}
func (nc *NoopCollector) SlotsPruned(count uint)                                           {}
func (nc *NoopCollector) CommitmentsStored(count uint)                                     {}
func (nc *NoopCollector) SlotSigned(dur time.Duration)                                     {}
func (nc *NoopCollector) SlotUnsigned()                                                    {}
func (nc *NoopCollector) SlotResolved(included, broken int)                                {}
func (nc *NoopCollector) SubmissionRecorded(relay string, status preconf.SubmissionStatus) {}
func (nc *NoopCollector) PublishLatency(dur time.Duration)                                 {}
func (nc *NoopCollector) PayloadValidated(satisfied bool)                                  {}
