// Package coordinator arbitrates execution resources across multiple signers.
// Every commitment claims one or more (sender, nonce) resources for a slot;
// the coordinator guarantees each resource is granted to at most one
// commitment digest, so two sidecar signers can never promise conflicting
// inclusions for the same account state.
package coordinator

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/interstate-labs/sidecar/model/preconf"
)

type claim struct {
	origin preconf.SignerID
	digest common.Hash
}

// Coordinator is a first-writer-wins resource table. It is safe for
// concurrent use.
type Coordinator struct {
	mu    sync.Mutex
	log   zerolog.Logger
	slots map[preconf.Slot]map[preconf.Resource]claim
}

func New(log zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:   log.With().Str("engine", "coordinator").Logger(),
		slots: make(map[preconf.Slot]map[preconf.Resource]claim),
	}
}

// Reserve atomically claims all given resources for the commitment digest on
// behalf of origin. Either every resource is granted or none is.
//
// Expected errors during normal operation:
//   - preconf.ErrDuplicate if origin already holds any of the resources under
//     a different digest
//   - preconf.ConflictingCommitmentError if another signer holds any of them
//
// Re-reserving the exact same digest is a no-op, so retried requests succeed
// idempotently.
func (c *Coordinator) Reserve(slot preconf.Slot, origin preconf.SignerID, digest common.Hash, resources []preconf.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	claims, ok := c.slots[slot]
	if !ok {
		claims = make(map[preconf.Resource]claim)
		c.slots[slot] = claims
	}

	for _, res := range resources {
		held, ok := claims[res]
		if !ok {
			continue
		}
		if held.digest == digest {
			continue
		}
		if held.origin == origin {
			return preconf.ErrDuplicate
		}
		return preconf.ConflictingCommitmentError{
			Slot:     slot,
			Resource: res,
			Holder:   held.origin,
		}
	}

	for _, res := range resources {
		claims[res] = claim{origin: origin, digest: digest}
	}

	return nil
}

// Release frees all resources held by the given digest for the slot. Used to
// roll back a reservation when a later admission step fails.
func (c *Coordinator) Release(slot preconf.Slot, digest common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	claims, ok := c.slots[slot]
	if !ok {
		return
	}
	for res, held := range claims {
		if held.digest == digest {
			delete(claims, res)
		}
	}
	if len(claims) == 0 {
		delete(c.slots, slot)
	}
}

// PruneUpTo drops all claims for slots strictly below the horizon.
func (c *Coordinator) PruneUpTo(horizon preconf.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pruned := 0
	for slot := range c.slots {
		if slot < horizon {
			delete(c.slots, slot)
			pruned++
		}
	}
	if pruned > 0 {
		c.log.Debug().Uint64("horizon", uint64(horizon)).Int("slots", pruned).Msg("pruned resource claims")
	}
}

// Size returns the number of slots with live claims, for introspection.
func (c *Coordinator) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
