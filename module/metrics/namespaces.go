package metrics

// Namespace and subsystem naming for all sidecar metrics.
const (
	namespacePreconf = "preconf"

	subsystemAdmission  = "admission"
	subsystemStore      = "store"
	subsystemAggregator = "aggregator"
	subsystemRelay      = "relay"
)

const (
	LabelReason = "reason"
	LabelRelay  = "relay"
	LabelStatus = "status"
	LabelResult = "result"
)
