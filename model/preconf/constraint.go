package preconf

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/interstate-labs/sidecar/model/encoding/ssz"
)

const (
	// MaxConstraintsPerSlot caps the transactions one constraint set may
	// carry. It is also the SSZ list limit, so changing it changes digests.
	MaxConstraintsPerSlot = 256

	// MaxBytesPerTransaction is the SSZ byte-list limit for a single
	// enveloped transaction, matching the consensus-layer payload limit.
	MaxBytesPerTransaction = 1 << 30
)

// Constraint is one transaction a builder must include, together with the
// sender recovered during admission.
type Constraint struct {
	// Tx is the decoded transaction.
	Tx *types.Transaction
	// Raw is the enveloped (EIP-2718) encoding submitted by the requester.
	Raw []byte
	// Sender is the recovered transaction sender.
	Sender common.Address
}

// ConstraintsMessage is the canonical, ordered instruction set for one slot.
// Its SSZ hash tree root is the digest the constraint signer signs.
type ConstraintsMessage struct {
	// Pubkey identifies the proposer-side signer the constraints bind.
	Pubkey SignerID
	// Slot is the slot the constraints are valid for.
	Slot Slot
	// Top indicates a top-of-block bundle. At most one constraint set per
	// slot may set it.
	Top bool
	// Constraints is the canonically ordered transaction sequence.
	Constraints []Constraint
}

// NewConstraintsMessage flattens the commitments, already in canonical order,
// into a constraints message for the given signer identity.
func NewConstraintsMessage(pubkey SignerID, slot Slot, commitments []*Commitment) *ConstraintsMessage {
	msg := &ConstraintsMessage{
		Pubkey: pubkey,
		Slot:   slot,
	}
	for _, c := range commitments {
		for i, tx := range c.Txs {
			msg.Constraints = append(msg.Constraints, Constraint{
				Tx:     tx,
				Raw:    c.RawTxs[i],
				Sender: c.Sender,
			})
		}
	}
	return msg
}

// MarshalSSZ returns the canonical SSZ serialization of the message:
// a container of (pubkey, slot, top, transactions), where transactions is a
// list of byte lists holding the enveloped transactions.
func (m *ConstraintsMessage) MarshalSSZ() ([]byte, error) {
	if len(m.Constraints) > MaxConstraintsPerSlot {
		return nil, fmt.Errorf("constraints message holds %d transactions: %w", len(m.Constraints), ssz.ErrListTooLong)
	}

	// Fixed part: pubkey vector, slot, top, one offset to the list.
	fixedSize := len(m.Pubkey) + 8 + 1 + ssz.BytesPerLengthOffset
	buf := make([]byte, 0, fixedSize)
	buf = append(buf, m.Pubkey[:]...)
	buf = ssz.AppendUint64(buf, uint64(m.Slot))
	buf = ssz.AppendBool(buf, m.Top)
	buf = ssz.AppendOffset(buf, uint64(fixedSize))

	// Variable part: per-element offsets, then the raw transactions.
	offset := uint64(len(m.Constraints) * ssz.BytesPerLengthOffset)
	for _, c := range m.Constraints {
		buf = ssz.AppendOffset(buf, offset)
		offset += uint64(len(c.Raw))
	}
	for _, c := range m.Constraints {
		buf = append(buf, c.Raw...)
	}
	return buf, nil
}

// HashTreeRoot returns the SSZ hash tree root of the message. This is the
// digest handed to the remote signer, so it must be stable across versions.
func (m *ConstraintsMessage) HashTreeRoot() ([32]byte, error) {
	pubkeyRoot, err := ssz.ByteVectorRoot(m.Pubkey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("could not merkleize pubkey: %w", err)
	}

	txRoots := make([][32]byte, 0, len(m.Constraints))
	for i, c := range m.Constraints {
		root, err := ssz.ByteListRoot(c.Raw, MaxBytesPerTransaction)
		if err != nil {
			return [32]byte{}, fmt.Errorf("could not merkleize transaction %d: %w", i, err)
		}
		txRoots = append(txRoots, root)
	}
	txsRoot, err := ssz.ListRoot(txRoots, MaxConstraintsPerSlot)
	if err != nil {
		return [32]byte{}, fmt.Errorf("could not merkleize transaction list: %w", err)
	}

	return ssz.ContainerRoot(
		pubkeyRoot,
		ssz.Uint64Root(uint64(m.Slot)),
		ssz.BoolRoot(m.Top),
		txsRoot,
	)
}

// TxHashes returns the constrained transaction hashes in canonical order.
func (m *ConstraintsMessage) TxHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(m.Constraints))
	for _, c := range m.Constraints {
		hashes = append(hashes, c.Tx.Hash())
	}
	return hashes
}

// ConstraintSet is a signed constraints message. Exactly one valid
// constraint set exists per slot; it is immutable after signing.
type ConstraintSet struct {
	Message   *ConstraintsMessage
	Signature BLSSignature
}

// Verify reports whether the signature matches the message root.
func (s *ConstraintSet) Verify() (bool, error) {
	root, err := s.Message.HashTreeRoot()
	if err != nil {
		return false, err
	}
	return s.Message.Pubkey.Verify(s.Signature, root[:]), nil
}

// Wire representations for the builder/constraints API (JSON).

type constraintsMessageJSON struct {
	Pubkey       string          `json:"pubkey"`
	Slot         uint64          `json:"slot"`
	Top          bool            `json:"top"`
	Transactions []hexutil.Bytes `json:"transactions"`
}

type constraintSetJSON struct {
	Message   constraintsMessageJSON `json:"message"`
	Signature string                 `json:"signature"`
}

func (s *ConstraintSet) MarshalJSON() ([]byte, error) {
	txs := make([]hexutil.Bytes, 0, len(s.Message.Constraints))
	for _, c := range s.Message.Constraints {
		txs = append(txs, hexutil.Bytes(c.Raw))
	}
	return json.Marshal(constraintSetJSON{
		Message: constraintsMessageJSON{
			Pubkey:       s.Message.Pubkey.String(),
			Slot:         uint64(s.Message.Slot),
			Top:          s.Message.Top,
			Transactions: txs,
		},
		Signature: s.Signature.String(),
	})
}

func (s *ConstraintSet) UnmarshalJSON(data []byte) error {
	var wire constraintSetJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	pubkey, err := SignerIDFromHex(wire.Message.Pubkey)
	if err != nil {
		return fmt.Errorf("invalid constraints pubkey: %w", err)
	}
	sig, err := BLSSignatureFromHex(wire.Signature)
	if err != nil {
		return fmt.Errorf("invalid constraints signature: %w", err)
	}
	msg := &ConstraintsMessage{
		Pubkey: pubkey,
		Slot:   Slot(wire.Message.Slot),
		Top:    wire.Message.Top,
	}
	for i, raw := range wire.Message.Transactions {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("invalid constraint transaction %d: %w", i, err)
		}
		msg.Constraints = append(msg.Constraints, Constraint{Tx: tx, Raw: raw})
	}
	s.Message = msg
	s.Signature = sig
	return nil
}
