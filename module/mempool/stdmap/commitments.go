// Package stdmap implements the commitment store as a mutex-guarded map
// keyed by slot. All per-slot mutation is serialized under the store lock,
// which is what makes the canonical ordering deterministic under concurrent
// admission.
package stdmap

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module"
	"github.com/interstate-labs/sidecar/module/mempool"
)

// auditEncMode is the canonical CBOR encoding used for audit exports, so two
// exports of the same slot are byte-identical.
var auditEncMode cbor.EncMode

func init() {
	var err error
	auditEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("could not build canonical cbor encoder: %v", err))
	}
}

type slotRecord struct {
	phase       preconf.SlotPhase
	commitments []*preconf.Commitment
	byID        map[common.Hash]*preconf.Commitment

	finalized bool
	snapshot  []*preconf.Commitment

	constraints *preconf.ConstraintSet

	resolved    bool
	submissions []*preconf.RelaySubmission
}

// Commitments is the in-memory store. The zero value is not usable; use
// NewCommitments.
type Commitments struct {
	mu      sync.RWMutex
	records map[preconf.Slot]*slotRecord
	metrics module.StoreMetrics
}

var _ mempool.Commitments = (*Commitments)(nil)

func NewCommitments(metrics module.StoreMetrics) *Commitments {
	return &Commitments{
		records: make(map[preconf.Slot]*slotRecord),
		metrics: metrics,
	}
}

func (c *Commitments) record(slot preconf.Slot) *slotRecord {
	rec, ok := c.records[slot]
	if !ok {
		rec = &slotRecord{
			phase: preconf.PhaseOpen,
			byID:  make(map[common.Hash]*preconf.Commitment),
		}
		c.records[slot] = rec
		c.metrics.SlotTracked()
	}
	return rec
}

// Add appends a pending commitment to its slot.
func (c *Commitments) Add(commitment *preconf.Commitment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.record(commitment.Slot)
	if rec.finalized {
		return mempool.ErrSlotFinalized
	}
	id := commitment.ID()
	if _, ok := rec.byID[id]; ok {
		return mempool.ErrAlreadyExists
	}
	rec.byID[id] = commitment
	rec.commitments = append(rec.commitments, commitment)
	c.metrics.CommitmentsStored(1)
	return nil
}

// BySlot returns the slot's commitments in canonical order. The returned
// slice is a copy; the commitments are shared.
func (c *Commitments) BySlot(slot preconf.Slot) []*preconf.Commitment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[slot]
	if !ok {
		return nil
	}
	if rec.finalized {
		return append([]*preconf.Commitment(nil), rec.snapshot...)
	}
	out := append([]*preconf.Commitment(nil), rec.commitments...)
	preconf.SortCommitments(out)
	return out
}

// Finalize freezes membership and returns the canonical snapshot. Idempotent.
func (c *Commitments) Finalize(slot preconf.Slot) []*preconf.Commitment {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.record(slot)
	if !rec.finalized {
		snapshot := append([]*preconf.Commitment(nil), rec.commitments...)
		preconf.SortCommitments(snapshot)
		rec.snapshot = snapshot
		rec.finalized = true
	}
	return append([]*preconf.Commitment(nil), rec.snapshot...)
}

// SetConstraintSet records the one signed constraint set for the slot.
func (c *Commitments) SetConstraintSet(slot preconf.Slot, set *preconf.ConstraintSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[slot]
	if !ok {
		return mempool.ErrNotFound
	}
	if !rec.finalized {
		return mempool.ErrNotFinalized
	}
	if rec.constraints != nil {
		return mempool.ErrConstraintSetExists
	}
	rec.constraints = set
	return nil
}

// ConstraintSet returns the slot's signed constraint set, if any.
func (c *Commitments) ConstraintSet(slot preconf.Slot) (*preconf.ConstraintSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[slot]
	if !ok || rec.constraints == nil {
		return nil, false
	}
	return rec.constraints, true
}

// Phase returns the slot's lifecycle phase; untracked slots are Open.
func (c *Commitments) Phase(slot preconf.Slot) preconf.SlotPhase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[slot]
	if !ok {
		return preconf.PhaseOpen
	}
	return rec.phase
}

// SetPhase advances the slot's lifecycle phase.
func (c *Commitments) SetPhase(slot preconf.Slot, phase preconf.SlotPhase) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.record(slot)
	if rec.phase == phase {
		return nil
	}
	if !rec.phase.ValidTransition(phase) {
		return fmt.Errorf("invalid phase transition for slot %d: %s -> %s", slot, rec.phase, phase)
	}
	rec.phase = phase
	return nil
}

// MarkResolved records each commitment's inclusion outcome, exactly once.
func (c *Commitments) MarkResolved(slot preconf.Slot, included map[common.Hash]struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[slot]
	if !ok {
		return mempool.ErrNotFound
	}
	if rec.resolved {
		return mempool.ErrAlreadyResolved
	}
	for _, commitment := range rec.commitments {
		status := preconf.StatusIncluded
		for _, h := range commitment.TxHashes() {
			if _, ok := included[h]; !ok {
				status = preconf.StatusBroken
				break
			}
		}
		commitment.Status = status
	}
	rec.resolved = true
	if rec.phase.ValidTransition(preconf.PhaseResolved) {
		rec.phase = preconf.PhaseResolved
	}
	return nil
}

// RecordSubmission appends a relay submission audit record.
func (c *Commitments) RecordSubmission(sub *preconf.RelaySubmission) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.record(sub.Slot)
	rec.submissions = append(rec.submissions, sub)
}

// Submissions returns a copy of the slot's audit records.
func (c *Commitments) Submissions(slot preconf.Slot) []*preconf.RelaySubmission {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[slot]
	if !ok {
		return nil
	}
	return append([]*preconf.RelaySubmission(nil), rec.submissions...)
}

// PruneUpTo evicts terminal slots below the horizon. Unresolved slots are
// never evicted, whatever their age, so resolution is always recorded first.
func (c *Commitments) PruneUpTo(horizon preconf.Slot) uint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pruned uint
	for slot, rec := range c.records {
		if slot >= horizon {
			continue
		}
		if !rec.phase.Terminal() {
			continue
		}
		delete(c.records, slot)
		pruned++
	}
	if pruned > 0 {
		c.metrics.SlotsPruned(pruned)
	}
	return pruned
}

// ForceResolveUpTo resolves every non-terminal slot below the horizon as
// unobserved: commitments still pending are marked broken and the slot is
// moved to Resolved so the regular pruning sweep can evict it. Returns the
// slots that were forced. Only the deep-horizon safety valve calls this; a
// slot young enough to still see its payload must never be forced.
func (c *Commitments) ForceResolveUpTo(horizon preconf.Slot) []preconf.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var forced []preconf.Slot
	for slot, rec := range c.records {
		if slot >= horizon || rec.phase.Terminal() {
			continue
		}
		for _, commitment := range rec.commitments {
			if commitment.Status == preconf.StatusPending {
				commitment.Status = preconf.StatusBroken
			}
		}
		rec.resolved = true
		rec.phase = preconf.PhaseResolved
		forced = append(forced, slot)
	}
	return forced
}

// Size returns the number of tracked slots.
func (c *Commitments) Size() uint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint(len(c.records))
}

// auditCommitment is the export shape of one resolved commitment.
type auditCommitment struct {
	ID         string    `cbor:"1,keyasint"`
	Sender     string    `cbor:"2,keyasint"`
	Origin     string    `cbor:"3,keyasint"`
	AcceptedAt time.Time `cbor:"4,keyasint"`
	Status     string    `cbor:"5,keyasint"`
}

type auditRecord struct {
	Slot        uint64                     `cbor:"1,keyasint"`
	Phase       string                     `cbor:"2,keyasint"`
	Commitments []auditCommitment          `cbor:"3,keyasint"`
	Submissions []*preconf.RelaySubmission `cbor:"4,keyasint"`
}

// ExportAudit returns the canonical CBOR encoding of the slot's audit trail.
func (c *Commitments) ExportAudit(slot preconf.Slot) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[slot]
	if !ok {
		return nil, mempool.ErrNotFound
	}

	commitments := rec.commitments
	if rec.finalized {
		commitments = rec.snapshot
	}
	export := auditRecord{
		Slot:        uint64(slot),
		Phase:       rec.phase.String(),
		Submissions: rec.submissions,
	}
	for _, commitment := range commitments {
		export.Commitments = append(export.Commitments, auditCommitment{
			ID:         commitment.ID().Hex(),
			Sender:     commitment.Sender.Hex(),
			Origin:     commitment.Origin.String(),
			AcceptedAt: commitment.AcceptedAt.UTC(),
			Status:     commitment.Status.String(),
		})
	}
	return auditEncMode.Marshal(export)
}
