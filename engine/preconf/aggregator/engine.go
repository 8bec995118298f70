// Package aggregator runs the per-slot pipeline: at each slot's aggregation
// time it freezes the commitment set, signs the resulting constraints
// through the remote signer, and hands the signed set to the relay gateway.
// It also resolves commitments against observed blocks and prunes old slots.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"github.com/interstate-labs/sidecar/engine/preconf/coordinator"
	"github.com/interstate-labs/sidecar/engine/preconf/relay"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module"
	"github.com/interstate-labs/sidecar/module/component"
	"github.com/interstate-labs/sidecar/module/irrecoverable"
	"github.com/interstate-labs/sidecar/module/mempool"
	"github.com/interstate-labs/sidecar/module/slotclock"
)

const (
	// DefaultRetentionSlots is how many past slots the store keeps before
	// terminal slots become eligible for pruning.
	DefaultRetentionSlots = 64

	// DefaultSignerBudgetFraction is the share of the remaining slot budget
	// a signing call may consume. A stalled signer must leave time for
	// publication before the slot starts.
	DefaultSignerBudgetFraction = 0.5

	// forcedResolutionFactor sets the deep horizon at this multiple of the
	// retention depth. A slot whose payload was never observed by then is
	// resolved as unobserved so the store stays bounded.
	forcedResolutionFactor = 4

	resolverWorkers = 4
)

// Config holds the aggregation policy.
type Config struct {
	// RetentionSlots is the pruning horizon depth (0 means default).
	RetentionSlots uint64
	// SignerBudgetFraction caps the signing call at this fraction of the
	// time left until the slot starts (0 means default).
	SignerBudgetFraction float64
	// Top marks the constraint sets as top-of-block bundles.
	Top bool
}

// Engine drives slot aggregation. It implements component.Component; its
// worker consumes slot ticks until shutdown.
type Engine struct {
	component.Component

	log       zerolog.Logger
	cfg       Config
	clock     *slotclock.Clock
	store     mempool.Commitments
	coord     *coordinator.Coordinator
	signer    module.ConstraintSigner
	gateway   *relay.Gateway
	pubkey    preconf.SignerID
	metrics   module.AggregatorMetrics
	resolvers *workerpool.WorkerPool
}

func New(
	log zerolog.Logger,
	cfg Config,
	clock *slotclock.Clock,
	store mempool.Commitments,
	coord *coordinator.Coordinator,
	signer module.ConstraintSigner,
	gateway *relay.Gateway,
	pubkey preconf.SignerID,
	metrics module.AggregatorMetrics,
) *Engine {
	if cfg.RetentionSlots == 0 {
		cfg.RetentionSlots = DefaultRetentionSlots
	}
	if cfg.SignerBudgetFraction <= 0 || cfg.SignerBudgetFraction > 1 {
		cfg.SignerBudgetFraction = DefaultSignerBudgetFraction
	}
	e := &Engine{
		log:       log.With().Str("engine", "aggregator").Logger(),
		cfg:       cfg,
		clock:     clock,
		store:     store,
		coord:     coord,
		signer:    signer,
		gateway:   gateway,
		pubkey:    pubkey,
		metrics:   metrics,
		resolvers: workerpool.New(resolverWorkers),
	}
	e.Component = component.NewManagerBuilder().
		AddWorker(e.processSlots).
		Build()
	return e
}

// processSlots consumes one tick per slot and runs the aggregation pipeline
// for it. Work for a slot is abandoned at the slot's start time; a constraint
// set published after the proposer has moved on is worthless.
func (e *Engine) processSlots(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ticks := e.clock.Ticks(ctx)
	ready()

	for {
		select {
		case <-ctx.Done():
			e.resolvers.StopWait()
			return
		case tick, ok := <-ticks:
			if !ok {
				e.resolvers.StopWait()
				return
			}
			e.processSlot(ctx, tick)
			e.prune(tick.Slot)
		}
	}
}

func (e *Engine) processSlot(signalerCtx irrecoverable.SignalerContext, tick slotclock.SlotTick) {
	log := e.log.With().Uint64("slot", uint64(tick.Slot)).Logger()

	ctx, cancel := context.WithDeadline(signalerCtx, e.clock.StartOf(tick.Slot))
	defer cancel()

	if len(e.store.BySlot(tick.Slot)) == 0 {
		log.Debug().Msg("no commitments for slot, skipping aggregation")
		return
	}

	start := time.Now()

	if err := e.store.SetPhase(tick.Slot, preconf.PhaseLeadTimeReached); err != nil {
		log.Error().Err(err).Msg("could not advance slot phase")
		return
	}

	commitments := e.store.Finalize(tick.Slot)

	msg := preconf.NewConstraintsMessage(e.pubkey, tick.Slot, commitments)
	msg.Top = e.cfg.Top

	root, err := msg.HashTreeRoot()
	if err != nil {
		// the message was built from admitted commitments, so a merkleization
		// failure means an admission limit was not enforced
		signalerCtx.Throw(fmt.Errorf("could not compute constraints root for slot %d: %w", tick.Slot, err))
		return
	}

	signCtx, cancelSign := e.signingContext(ctx, tick.Slot)
	sig, err := e.signer.Sign(signCtx, e.pubkey, root)
	cancelSign()
	if err != nil {
		log.Warn().Err(err).Msg("signing failed, slot left unsigned")
		if err := e.store.SetPhase(tick.Slot, preconf.PhaseUnsigned); err != nil {
			log.Error().Err(err).Msg("could not mark slot unsigned")
		}
		e.metrics.SlotUnsigned()
		return
	}

	set := &preconf.ConstraintSet{Message: msg, Signature: sig}
	if err := e.store.SetConstraintSet(tick.Slot, set); err != nil {
		log.Error().Err(err).Msg("could not record constraint set")
		return
	}
	if err := e.store.SetPhase(tick.Slot, preconf.PhaseSigned); err != nil {
		log.Error().Err(err).Msg("could not mark slot signed")
	}
	e.metrics.SlotSigned(time.Since(start))

	log.Info().
		Int("constraints", len(msg.Constraints)).
		Hex("root", root[:]).
		Msg("constraint set signed")

	// publication failure is not fatal for the slot: the set is signed and
	// recorded, and every attempt is in the audit log
	if err := e.gateway.Publish(ctx, set); err != nil {
		log.Error().Err(err).Msg("constraint publication failed")
	}
}

// signingContext bounds a signing call to the configured fraction of the
// time left until the slot starts, so a stalled signer cannot eat the whole
// publication window.
func (e *Engine) signingContext(ctx context.Context, slot preconf.Slot) (context.Context, context.CancelFunc) {
	remaining := time.Until(e.clock.StartOf(slot))
	if remaining <= 0 {
		return context.WithCancel(ctx)
	}
	budget := time.Duration(float64(remaining) * e.cfg.SignerBudgetFraction)
	return context.WithTimeout(ctx, budget)
}

// OnBlockObserved resolves the slot's commitments against the transactions
// of the observed block. Resolution runs on the background pool so block
// ingestion never blocks the caller.
func (e *Engine) OnBlockObserved(slot preconf.Slot, txHashes []common.Hash) {
	included := make(map[common.Hash]struct{}, len(txHashes))
	for _, h := range txHashes {
		included[h] = struct{}{}
	}
	e.resolvers.Submit(func() {
		e.resolve(slot, included)
	})
}

func (e *Engine) resolve(slot preconf.Slot, included map[common.Hash]struct{}) {
	log := e.log.With().Uint64("slot", uint64(slot)).Logger()

	err := e.store.MarkResolved(slot, included)
	if errors.Is(err, mempool.ErrNotFound) || errors.Is(err, mempool.ErrAlreadyResolved) {
		log.Debug().Err(err).Msg("nothing to resolve")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("could not resolve slot")
		return
	}

	includedCount, broken := 0, 0
	for _, commitment := range e.store.BySlot(slot) {
		switch commitment.Status {
		case preconf.StatusIncluded:
			includedCount++
		case preconf.StatusBroken:
			broken++
		}
	}
	e.metrics.SlotResolved(includedCount, broken)

	if broken > 0 {
		log.Warn().Int("included", includedCount).Int("broken", broken).Msg("slot resolved with broken commitments")
	} else {
		log.Info().Int("included", includedCount).Msg("slot resolved")
	}
}

func (e *Engine) prune(current preconf.Slot) {
	if uint64(current) <= e.cfg.RetentionSlots {
		return
	}

	deep := e.cfg.RetentionSlots * forcedResolutionFactor
	if uint64(current) > deep {
		deepHorizon := current - preconf.Slot(deep)
		for _, slot := range e.store.ForceResolveUpTo(deepHorizon) {
			e.log.Warn().
				Uint64("slot", uint64(slot)).
				Msg("slot never resolved within the deep horizon, resolved as unobserved")
		}
	}

	horizon := current - preconf.Slot(e.cfg.RetentionSlots)
	pruned := e.store.PruneUpTo(horizon)
	e.coord.PruneUpTo(horizon)
	if pruned > 0 {
		e.log.Debug().Uint64("horizon", uint64(horizon)).Uint("slots", pruned).Msg("pruned resolved slots")
	}
}
