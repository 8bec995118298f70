package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module"
	"github.com/interstate-labs/sidecar/module/mempool"
)

// ErrPublishTimedOut is returned when the publication window closed before
// any relay accepted the constraint set.
var ErrPublishTimedOut = errors.New("constraint publication timed out")

// ErrNoRelays is returned when the gateway is constructed without endpoints.
var ErrNoRelays = errors.New("no relay endpoints configured")

const defaultPublishTimeout = 3 * time.Second

// GatewayConfig configures the fan-out behavior.
type GatewayConfig struct {
	// PublishTimeout bounds the whole fan-out (0 means default). One slow
	// relay never stalls publication past this window.
	PublishTimeout time.Duration
}

// Gateway fans signed constraint sets out to all configured relays and keeps
// an audit record per attempt. Publication succeeds when at least one relay
// accepts the set.
type Gateway struct {
	log     zerolog.Logger
	cfg     GatewayConfig
	clients []*Client
	store   mempool.Commitments
	metrics module.RelayMetrics
}

func NewGateway(
	log zerolog.Logger,
	cfg GatewayConfig,
	clients []*Client,
	store mempool.Commitments,
	metrics module.RelayMetrics,
) (*Gateway, error) {
	if len(clients) == 0 {
		return nil, ErrNoRelays
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Gateway{
		log:     log.With().Str("engine", "relay_gateway").Logger(),
		cfg:     cfg,
		clients: clients,
		store:   store,
		metrics: metrics,
	}, nil
}

// Clients exposes the underlying relay clients for the builder API proxy.
func (g *Gateway) Clients() []*Client {
	return g.clients
}

// Publish races the constraint set to every relay concurrently and returns
// as soon as the first relay accepts, cancelling the in-flight losers. Every
// attempt, winner and loser alike, is recorded in the audit log. If no relay
// accepts it returns the combined errors, or ErrPublishTimedOut if the
// window closed first.
func (g *Gateway) Publish(ctx context.Context, set *preconf.ConstraintSet) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PublishTimeout)
	defer cancel()

	slot := set.Message.Slot

	type outcome struct {
		relay string
		err   error
	}
	outcomes := make(chan outcome, len(g.clients))
	for _, client := range g.clients {
		client := client
		go func() {
			err := client.SubmitConstraints(ctx, set)
			// the store is safe to write after Publish returns, so loser
			// attempts abandoned by cancellation still leave an audit record
			g.store.RecordSubmission(preconf.NewRelaySubmission(slot, client.Name(), submissionStatus(err), errMessage(err)))
			g.metrics.SubmissionRecorded(client.Name(), submissionStatus(err))
			outcomes <- outcome{relay: client.Name(), err: err}
		}()
	}

	var failures *multierror.Error
	for range g.clients {
		out := <-outcomes
		if out.err == nil {
			cancel()
			g.metrics.PublishLatency(time.Since(start))
			g.log.Info().
				Uint64("slot", uint64(slot)).
				Str("relay", out.relay).
				Dur("elapsed", time.Since(start)).
				Msg("constraint set published")
			return nil
		}
		failures = multierror.Append(failures, fmt.Errorf("relay %s: %w", out.relay, out.err))
	}

	g.metrics.PublishLatency(time.Since(start))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrPublishTimedOut, failures.Error())
	}
	return fmt.Errorf("all relays rejected constraint set for slot %d: %w", slot, failures.ErrorOrNil())
}

func submissionStatus(err error) preconf.SubmissionStatus {
	switch {
	case err == nil:
		return preconf.SubmissionOK
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return preconf.SubmissionTimedOut
	default:
		return preconf.SubmissionFailed
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ValidationReport is the outcome of checking a builder payload against the
// slot's signed constraints.
type ValidationReport struct {
	// Satisfied is true when every constrained transaction appears in the
	// payload in the committed relative order.
	Satisfied bool
	// Missing lists constrained transactions absent from the payload.
	Missing []common.Hash
	// OutOfOrder lists constrained transactions present in the payload but
	// out of the committed relative order.
	OutOfOrder []common.Hash
}

// ValidatePayload checks that the execution payload honors every constraint
// of the set: all constrained transactions present, in the same relative
// order they were committed. Unconstrained payload transactions are ignored.
func (g *Gateway) ValidatePayload(payload *preconf.ExecutionPayload, set *preconf.ConstraintSet) *ValidationReport {
	positions := make(map[common.Hash]int, len(payload.Transactions))
	for i, hash := range payload.TxHashes() {
		if _, ok := positions[hash]; !ok {
			positions[hash] = i
		}
	}

	report := &ValidationReport{Satisfied: true}
	last := -1
	for _, hash := range set.Message.TxHashes() {
		pos, ok := positions[hash]
		if !ok {
			report.Satisfied = false
			report.Missing = append(report.Missing, hash)
			continue
		}
		if pos < last {
			report.Satisfied = false
			report.OutOfOrder = append(report.OutOfOrder, hash)
			continue
		}
		last = pos
	}

	g.metrics.PayloadValidated(report.Satisfied)
	if !report.Satisfied {
		g.log.Warn().
			Uint64("slot", uint64(set.Message.Slot)).
			Int("missing", len(report.Missing)).
			Int("out_of_order", len(report.OutOfOrder)).
			Msg("builder payload violates constraints")
	}
	return report
}
