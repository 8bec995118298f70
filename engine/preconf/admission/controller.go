// Package admission implements the validator-side gate for preconfirmation
// requests. A request that clears every check becomes a stored commitment; a
// rejected request never mutates shared state.
package admission

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/interstate-labs/sidecar/engine/preconf/coordinator"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module"
	"github.com/interstate-labs/sidecar/module/mempool"
	"github.com/interstate-labs/sidecar/module/slotclock"
)

const (
	// DefaultMaxCommitmentsPerSlot caps how many commitments one slot admits.
	DefaultMaxCommitmentsPerSlot = 128
	// DefaultMaxCommittedGas caps the total gas a slot's commitments may
	// reserve, leaving headroom for the rest of the block.
	DefaultMaxCommittedGas = 10_000_000
	// defaultDedupCacheSize bounds the digest cache used for idempotent
	// acknowledgements of retried requests.
	defaultDedupCacheSize = 4096

	rejectedMalformed = "malformed"
	rejectedDeadline  = "deadline"
	rejectedConflict  = "conflict"
	rejectedLimit     = "limit"
)

// Config carries the admission policy.
type Config struct {
	// ChainID is the execution chain all committed transactions must target.
	ChainID *big.Int
	// MaxCommitmentsPerSlot caps commitments per slot (0 means default).
	MaxCommitmentsPerSlot int
	// MaxCommittedGas caps the summed gas limits per slot (0 means default).
	MaxCommittedGas uint64
	// MinPriorityFee, when set, is the lowest acceptable tip per gas.
	MinPriorityFee *big.Int
	// DedupCacheSize bounds the retry acknowledgement cache (0 means default).
	DedupCacheSize int
}

// Ack acknowledges an accepted commitment. Retries of the same request
// receive the original Ack unchanged.
type Ack struct {
	Digest     common.Hash
	Slot       preconf.Slot
	Deadline   time.Time
	AcceptedAt time.Time
}

// Controller admits commitment requests on behalf of one constraint signer.
// It is safe for concurrent use: the store and coordinator serialize state
// changes, and the dedup cache makes retried requests converge on the first
// outcome.
type Controller struct {
	log zerolog.Logger
	cfg Config
	// mu serializes the limit check with the reservation and insert, so
	// concurrent submissions cannot jointly overshoot the slot budgets.
	mu      sync.Mutex
	clock   *slotclock.Clock
	store   mempool.Commitments
	coord   *coordinator.Coordinator
	origin  preconf.SignerID
	signer  types.Signer
	metrics module.AdmissionMetrics
	dedup   *lru.Cache
}

func NewController(
	log zerolog.Logger,
	cfg Config,
	clock *slotclock.Clock,
	store mempool.Commitments,
	coord *coordinator.Coordinator,
	origin preconf.SignerID,
	metrics module.AdmissionMetrics,
) (*Controller, error) {
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.MaxCommitmentsPerSlot == 0 {
		cfg.MaxCommitmentsPerSlot = DefaultMaxCommitmentsPerSlot
	}
	if cfg.MaxCommittedGas == 0 {
		cfg.MaxCommittedGas = DefaultMaxCommittedGas
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = defaultDedupCacheSize
	}
	dedup, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create dedup cache: %w", err)
	}
	return &Controller{
		log:     log.With().Str("engine", "admission").Logger(),
		cfg:     cfg,
		clock:   clock,
		store:   store,
		coord:   coord,
		origin:  origin,
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		metrics: metrics,
		dedup:   dedup,
	}, nil
}

// Submit runs the admission pipeline for one commitment request.
//
// Expected errors during normal operation:
//   - preconf.InvalidCommitmentError for structurally or cryptographically
//     defective requests
//   - preconf.DeadlineExceededError once the slot's admission window closed
//   - preconf.ErrDuplicate for a repeat claim of a held resource by the
//     same signer under a different request
//   - preconf.ConflictingCommitmentError when another signer holds one of
//     the claimed resources
//   - preconf.LimitExceededError when the slot's count or gas budget is full
func (c *Controller) Submit(req *preconf.CommitmentRequest) (*Ack, error) {
	if err := c.validate(req); err != nil {
		c.metrics.CommitmentRejected(rejectedMalformed)
		return nil, err
	}

	digest := req.Digest()

	// a retried request that was already accepted gets its original ack
	if cached, ok := c.dedup.Get(digest); ok {
		c.metrics.DuplicateRequest()
		return cached.(*Ack), nil
	}

	if !c.clock.BeforeDeadline(req.Slot) {
		c.metrics.CommitmentRejected(rejectedDeadline)
		return nil, preconf.DeadlineExceededError{
			Slot:     req.Slot,
			Deadline: c.clock.CommitmentDeadline(req.Slot),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLimits(req); err != nil {
		c.metrics.CommitmentRejected(rejectedLimit)
		return nil, err
	}

	commitment := preconf.NewCommitment(req, c.origin, c.clock.Now())

	err := c.coord.Reserve(req.Slot, c.origin, digest, commitment.Resources())
	if err != nil {
		c.metrics.CommitmentRejected(rejectedConflict)
		return nil, err
	}

	err = c.store.Add(commitment)
	if errors.Is(err, mempool.ErrSlotFinalized) {
		// the aggregator froze the slot between our deadline check and the
		// insert; treat it the same as a missed deadline
		c.coord.Release(req.Slot, digest)
		c.metrics.CommitmentRejected(rejectedDeadline)
		return nil, preconf.DeadlineExceededError{
			Slot:     req.Slot,
			Deadline: c.clock.CommitmentDeadline(req.Slot),
		}
	}
	if errors.Is(err, mempool.ErrAlreadyExists) {
		// a concurrent identical submission won the race; acknowledge it
		c.metrics.DuplicateRequest()
		ack := &Ack{Digest: digest, Slot: req.Slot, Deadline: c.clock.CommitmentDeadline(req.Slot), AcceptedAt: commitment.AcceptedAt}
		c.dedup.Add(digest, ack)
		return ack, nil
	}
	if err != nil {
		c.coord.Release(req.Slot, digest)
		return nil, fmt.Errorf("could not store commitment: %w", err)
	}

	ack := &Ack{Digest: digest, Slot: req.Slot, Deadline: c.clock.CommitmentDeadline(req.Slot), AcceptedAt: commitment.AcceptedAt}
	c.dedup.Add(digest, ack)
	c.metrics.CommitmentAccepted(len(req.Txs), req.TotalGas())

	c.log.Info().
		Uint64("slot", uint64(req.Slot)).
		Hex("digest", digest[:]).
		Str("sender", req.Sender.Hex()).
		Int("txs", len(req.Txs)).
		Uint64("gas", req.TotalGas()).
		Msg("commitment accepted")

	return ack, nil
}

// validate performs all checks that depend only on the request itself.
func (c *Controller) validate(req *preconf.CommitmentRequest) error {
	if len(req.Txs) == 0 {
		return preconf.NewInvalidCommitmentErrorf("request contains no transactions")
	}
	if len(req.Txs) != len(req.RawTxs) {
		return preconf.NewInvalidCommitmentErrorf("decoded transactions (%d) do not match raw payloads (%d)",
			len(req.Txs), len(req.RawTxs))
	}

	signer, err := req.RecoverSigner()
	if err != nil {
		return preconf.NewInvalidCommitmentErrorf("could not recover request signature: %w", err)
	}
	if signer != req.Sender {
		return preconf.NewInvalidCommitmentErrorf("request signed by %s, claimed sender %s",
			signer.Hex(), req.Sender.Hex())
	}

	for i, tx := range req.Txs {
		if tx.ChainId().Cmp(c.cfg.ChainID) != 0 {
			return preconf.NewInvalidCommitmentErrorf("transaction %d targets chain %s, expected %s",
				i, tx.ChainId(), c.cfg.ChainID)
		}
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			return preconf.NewInvalidCommitmentErrorf("transaction %d has no valid sender: %w", i, err)
		}
		if from != req.Sender {
			return preconf.NewInvalidCommitmentErrorf("transaction %d sent by %s, request signed by %s",
				i, from.Hex(), req.Sender.Hex())
		}
		if tx.GasTipCap().Cmp(tx.GasFeeCap()) > 0 {
			return preconf.NewInvalidCommitmentErrorf("transaction %d tip cap %s exceeds fee cap %s",
				i, tx.GasTipCap(), tx.GasFeeCap())
		}
		if c.cfg.MinPriorityFee != nil && tx.GasTipCap().Cmp(c.cfg.MinPriorityFee) < 0 {
			return preconf.NewInvalidCommitmentErrorf("transaction %d tip %s below minimum %s",
				i, tx.GasTipCap(), c.cfg.MinPriorityFee)
		}
	}

	return nil
}

// checkLimits enforces the per-slot count and gas budgets against the
// commitments already stored for the slot.
func (c *Controller) checkLimits(req *preconf.CommitmentRequest) error {
	existing := c.store.BySlot(req.Slot)
	if len(existing)+1 > c.cfg.MaxCommitmentsPerSlot {
		return preconf.LimitExceededError{Slot: req.Slot, Limit: "commitments"}
	}
	var gas uint64
	for _, commitment := range existing {
		gas += commitment.TotalGas()
	}
	if gas+req.TotalGas() > c.cfg.MaxCommittedGas {
		return preconf.LimitExceededError{Slot: req.Slot, Limit: "gas"}
	}
	return nil
}
