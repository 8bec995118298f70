package preconf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// CommitmentRequest is the wire-level request for a preconfirmation: one or
// more signed raw transactions targeting a specific slot, authenticated by an
// ECDSA signature of the requesting account over the request digest.
// A request is immutable once received.
type CommitmentRequest struct {
	// Slot is the consensus slot the transactions must be included in.
	Slot Slot
	// Txs are the decoded transactions, in the submitted order.
	Txs []*types.Transaction
	// RawTxs are the enveloped (EIP-2718) bytes exactly as received.
	RawTxs [][]byte
	// Signature is the 65-byte recoverable ECDSA signature over Digest(),
	// with the recovery id in the last byte as 0 or 1.
	Signature [65]byte
	// Sender is the address the requester claims to control.
	Sender common.Address
}

// Digest is the signing digest of the request:
// keccak256(slot_be_bytes || tx_hash_1 || ... || tx_hash_n).
func (r *CommitmentRequest) Digest() common.Hash {
	var slotBytes [8]byte
	binary.BigEndian.PutUint64(slotBytes[:], uint64(r.Slot))
	data := make([]byte, 0, 8+len(r.Txs)*common.HashLength)
	data = append(data, slotBytes[:]...)
	for _, tx := range r.Txs {
		h := tx.Hash()
		data = append(data, h[:]...)
	}
	return crypto.Keccak256Hash(data)
}

// RecoverSigner returns the address that produced the request signature.
func (r *CommitmentRequest) RecoverSigner() (common.Address, error) {
	digest := r.Digest()
	pub, err := crypto.SigToPub(digest[:], r.Signature[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("could not recover request signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// TotalGas returns the sum of the gas limits of all transactions.
func (r *CommitmentRequest) TotalGas() uint64 {
	var total uint64
	for _, tx := range r.Txs {
		total += tx.Gas()
	}
	return total
}

// CommitmentStatus is the resolution state of an accepted commitment.
type CommitmentStatus uint8

const (
	// StatusPending means the slot has not resolved yet.
	StatusPending CommitmentStatus = iota
	// StatusIncluded means the observed block contained the commitment.
	StatusIncluded
	// StatusBroken means the observed block omitted the commitment.
	StatusBroken
)

func (s CommitmentStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusIncluded:
		return "included"
	case StatusBroken:
		return "broken"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Resource identifies the exclusive execution resource a commitment claims:
// an account nonce. Two commitments claiming the same resource for the same
// slot cannot both be honored.
type Resource struct {
	Sender common.Address
	Nonce  uint64
}

func (r Resource) String() string {
	return fmt.Sprintf("%s/%d", r.Sender.Hex(), r.Nonce)
}

// Commitment is a CommitmentRequest that passed admission, annotated with the
// acceptance timestamp and the identity of the signer that admitted it.
// Status transitions pending -> included|broken exactly once, after the slot
// resolves.
type Commitment struct {
	Slot       Slot
	Txs        []*types.Transaction
	RawTxs     [][]byte
	Sender     common.Address
	Origin     SignerID
	AcceptedAt time.Time
	Status     CommitmentStatus
}

// NewCommitment creates a pending commitment from an admitted request.
func NewCommitment(req *CommitmentRequest, origin SignerID, acceptedAt time.Time) *Commitment {
	return &Commitment{
		Slot:       req.Slot,
		Txs:        req.Txs,
		RawTxs:     req.RawTxs,
		Sender:     req.Sender,
		Origin:     origin,
		AcceptedAt: acceptedAt,
		Status:     StatusPending,
	}
}

// ID is the request digest, which uniquely identifies the logical commitment
// independent of who admitted it or when.
func (c *Commitment) ID() common.Hash {
	req := CommitmentRequest{Slot: c.Slot, Txs: c.Txs}
	return req.Digest()
}

// TxHashes returns the hashes of all committed transactions, in order.
func (c *Commitment) TxHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(c.Txs))
	for _, tx := range c.Txs {
		hashes = append(hashes, tx.Hash())
	}
	return hashes
}

// Resources returns the execution resources this commitment claims.
func (c *Commitment) Resources() []Resource {
	resources := make([]Resource, 0, len(c.Txs))
	for _, tx := range c.Txs {
		resources = append(resources, Resource{Sender: c.Sender, Nonce: tx.Nonce()})
	}
	return resources
}

// TotalGas returns the sum of the gas limits of all committed transactions.
func (c *Commitment) TotalGas() uint64 {
	var total uint64
	for _, tx := range c.Txs {
		total += tx.Gas()
	}
	return total
}

// SortCommitments orders commitments canonically: by acceptance timestamp,
// ties broken by sender address bytes, then by commitment ID. The order is a
// pure function of the input set, so any two nodes holding the same
// commitments derive the same sequence.
func SortCommitments(commitments []*Commitment) {
	sort.SliceStable(commitments, func(i, j int) bool {
		ci, cj := commitments[i], commitments[j]
		if !ci.AcceptedAt.Equal(cj.AcceptedAt) {
			return ci.AcceptedAt.Before(cj.AcceptedAt)
		}
		if cmp := bytes.Compare(ci.Sender[:], cj.Sender[:]); cmp != 0 {
			return cmp < 0
		}
		iid, jid := ci.ID(), cj.ID()
		return bytes.Compare(iid[:], jid[:]) < 0
	})
}
