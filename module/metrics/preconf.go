package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// AdmissionCollector implements metric collection for the admission
// controller.
type AdmissionCollector struct {
	accepted     prometheus.Counter
	acceptedTxs  prometheus.Counter
	committedGas prometheus.Counter
	rejected     *prometheus.CounterVec
	duplicates   prometheus.Counter
}

func NewAdmissionCollector(registerer prometheus.Registerer) *AdmissionCollector {
	accepted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAdmission,
		Name:      "commitments_accepted_total",
		Help:      "number of commitment requests accepted",
	})
	acceptedTxs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAdmission,
		Name:      "transactions_accepted_total",
		Help:      "number of transactions across accepted commitments",
	})
	committedGas := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAdmission,
		Name:      "committed_gas_total",
		Help:      "total gas committed across accepted commitments",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAdmission,
		Name:      "commitments_rejected_total",
		Help:      "number of commitment requests rejected, by reason",
	}, []string{LabelReason})
	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAdmission,
		Name:      "duplicate_requests_total",
		Help:      "number of identical requests answered from the dedup cache",
	})
	registerer.MustRegister(accepted, acceptedTxs, committedGas, rejected, duplicates)

	return &AdmissionCollector{
		accepted:     accepted,
		acceptedTxs:  acceptedTxs,
		committedGas: committedGas,
		rejected:     rejected,
		duplicates:   duplicates,
	}
}

func (a *AdmissionCollector) CommitmentAccepted(txs int, gas uint64) {
	a.accepted.Inc()
	a.acceptedTxs.Add(float64(txs))
	a.committedGas.Add(float64(gas))
}

func (a *AdmissionCollector) CommitmentRejected(reason string) {
	a.rejected.WithLabelValues(reason).Inc()
}

func (a *AdmissionCollector) DuplicateRequest() {
	a.duplicates.Inc()
}

// StoreCollector implements metric collection for the commitment store.
type StoreCollector struct {
	slotsTracked prometheus.Counter
	slotsPruned  prometheus.Counter
	commitments  prometheus.Counter
}

func NewStoreCollector(registerer prometheus.Registerer) *StoreCollector {
	slotsTracked := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemStore,
		Name:      "slots_tracked_total",
		Help:      "number of slots the store has tracked",
	})
	slotsPruned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemStore,
		Name:      "slots_pruned_total",
		Help:      "number of slots evicted by retention pruning",
	})
	commitments := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemStore,
		Name:      "commitments_stored_total",
		Help:      "number of commitments inserted into the store",
	})
	registerer.MustRegister(slotsTracked, slotsPruned, commitments)

	return &StoreCollector{
		slotsTracked: slotsTracked,
		slotsPruned:  slotsPruned,
		commitments:  commitments,
	}
}

func (s *StoreCollector) SlotTracked() {
	s.slotsTracked.Inc()
}

func (s *StoreCollector) SlotsPruned(count uint) {
	s.slotsPruned.Add(float64(count))
}

func (s *StoreCollector) CommitmentsStored(count uint) {
	s.commitments.Add(float64(count))
}

// AggregatorCollector implements metric collection for constraint
// aggregation.
type AggregatorCollector struct {
	signed      prometheus.Counter
	unsigned    prometheus.Counter
	signLatency prometheus.Histogram
	included    prometheus.Counter
	broken      prometheus.Counter
}

func NewAggregatorCollector(registerer prometheus.Registerer) *AggregatorCollector {
	signed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAggregator,
		Name:      "slots_signed_total",
		Help:      "number of slots whose constraint set was signed",
	})
	unsigned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAggregator,
		Name:      "slots_unsigned_total",
		Help:      "number of slots abandoned because signing failed",
	})
	signLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAggregator,
		Name:      "sign_duration_seconds",
		Help:      "time from aggregation start to a signed constraint set",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4},
	})
	included := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAggregator,
		Name:      "commitments_included_total",
		Help:      "number of commitments honored by produced blocks",
	})
	broken := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemAggregator,
		Name:      "commitments_broken_total",
		Help:      "number of commitments broken by produced blocks",
	})
	registerer.MustRegister(signed, unsigned, signLatency, included, broken)

	return &AggregatorCollector{
		signed:      signed,
		unsigned:    unsigned,
		signLatency: signLatency,
		included:    included,
		broken:      broken,
	}
}

func (a *AggregatorCollector) SlotSigned(dur time.Duration) {
	a.signed.Inc()
	a.signLatency.Observe(dur.Seconds())
}

func (a *AggregatorCollector) SlotUnsigned() {
	a.unsigned.Inc()
}

func (a *AggregatorCollector) SlotResolved(included, broken int) {
	a.included.Add(float64(included))
	a.broken.Add(float64(broken))
}

// RelayCollector implements metric collection for the relay gateway.
type RelayCollector struct {
	submissions    *prometheus.CounterVec
	publishLatency prometheus.Histogram
	validations    *prometheus.CounterVec
}

func NewRelayCollector(registerer prometheus.Registerer) *RelayCollector {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemRelay,
		Name:      "submissions_total",
		Help:      "constraint submissions per relay endpoint and outcome",
	}, []string{LabelRelay, LabelStatus})
	publishLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemRelay,
		Name:      "publish_duration_seconds",
		Help:      "time until the first relay acknowledged a constraint set",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4},
	})
	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespacePreconf,
		Subsystem: subsystemRelay,
		Name:      "payload_validations_total",
		Help:      "payload validations by result",
	}, []string{LabelResult})
	registerer.MustRegister(submissions, publishLatency, validations)

	return &RelayCollector{
		submissions:    submissions,
		publishLatency: publishLatency,
		validations:    validations,
	}
}

func (r *RelayCollector) SubmissionRecorded(relay string, status preconf.SubmissionStatus) {
	r.submissions.WithLabelValues(relay, string(status)).Inc()
}

func (r *RelayCollector) PublishLatency(dur time.Duration) {
	r.publishLatency.Observe(dur.Seconds())
}

func (r *RelayCollector) PayloadValidated(satisfied bool) {
	result := "violated"
	if satisfied {
		result = "satisfied"
	}
	r.validations.WithLabelValues(result).Inc()
}
