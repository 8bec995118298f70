package unittest

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/interstate-labs/sidecar/model/preconf"
)

// TestChainID is the execution chain id all transaction fixtures target.
var TestChainID = big.NewInt(3151908)

func PrivateKeyFixture() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(fmt.Sprintf("could not generate key: %s", err))
	}
	return key
}

func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// SignerIDFixture returns a valid BLS public key with a discarded secret key.
func SignerIDFixture() preconf.SignerID {
	_, id := BLSKeyFixture()
	return id
}

// BLSKeyFixture generates a fresh BLS12-381 keypair (min-pk scheme).
func BLSKeyFixture() (*blst.SecretKey, preconf.SignerID) {
	var ikm [32]byte
	if _, err := crand.Read(ikm[:]); err != nil {
		panic(fmt.Sprintf("could not read randomness: %s", err))
	}
	sk := blst.KeyGen(ikm[:])
	pk := new(blst.P1Affine).From(sk)
	var id preconf.SignerID
	copy(id[:], pk.Compress())
	return sk, id
}

// BLSSign signs msg with the proof-of-possession domain separation tag, the
// same way the remote signer does.
func BLSSign(sk *blst.SecretKey, msg []byte) preconf.BLSSignature {
	sg := new(blst.P2Affine).Sign(sk, msg, preconf.DomainSeparationTag)
	var sig preconf.BLSSignature
	copy(sig[:], sg.Compress())
	return sig
}

// BLSSignatureFixture returns structurally well-formed signature bytes that
// do not verify against anything.
func BLSSignatureFixture() preconf.BLSSignature {
	sk, _ := BLSKeyFixture()
	return BLSSign(sk, []byte("fixture"))
}

type TxOption func(*types.DynamicFeeTx)

func WithNonce(nonce uint64) TxOption {
	return func(tx *types.DynamicFeeTx) {
		tx.Nonce = nonce
	}
}

func WithGasLimit(gas uint64) TxOption {
	return func(tx *types.DynamicFeeTx) {
		tx.Gas = gas
	}
}

func WithTip(tip *big.Int) TxOption {
	return func(tx *types.DynamicFeeTx) {
		tx.GasTipCap = tip
	}
}

func WithChainID(id *big.Int) TxOption {
	return func(tx *types.DynamicFeeTx) {
		tx.ChainID = id
	}
}

// TransactionFixture returns a signed dynamic-fee transfer from key's account.
func TransactionFixture(key *ecdsa.PrivateKey, opts ...TxOption) *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	inner := &types.DynamicFeeTx{
		ChainID:   TestChainID,
		Nonce:     0,
		GasTipCap: big.NewInt(2_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(1),
	}
	for _, opt := range opts {
		opt(inner)
	}
	tx, err := types.SignTx(types.NewTx(inner), types.LatestSignerForChainID(inner.ChainID), key)
	if err != nil {
		panic(fmt.Sprintf("could not sign transaction: %s", err))
	}
	return tx
}

// CommitmentRequestFixture builds a request for the given transactions and
// signs its digest with key, so it passes admission signature checks.
func CommitmentRequestFixture(key *ecdsa.PrivateKey, slot preconf.Slot, txs ...*types.Transaction) *preconf.CommitmentRequest {
	if len(txs) == 0 {
		txs = []*types.Transaction{TransactionFixture(key)}
	}
	raws := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			panic(fmt.Sprintf("could not encode transaction: %s", err))
		}
		raws = append(raws, raw)
	}
	req := &preconf.CommitmentRequest{
		Slot:   slot,
		Txs:    txs,
		RawTxs: raws,
		Sender: AddressOf(key),
	}
	digest := req.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		panic(fmt.Sprintf("could not sign digest: %s", err))
	}
	copy(req.Signature[:], sig)
	return req
}

// CommitmentFixture returns an accepted commitment for a fresh account.
func CommitmentFixture(slot preconf.Slot, opts ...TxOption) *preconf.Commitment {
	key := PrivateKeyFixture()
	tx := TransactionFixture(key, opts...)
	req := CommitmentRequestFixture(key, slot, tx)
	return preconf.NewCommitment(req, SignerIDFixture(), time.Now().UTC())
}

// ConstraintSetFixture builds a signed constraint set over the commitments
// that verifies under the returned message's pubkey.
func ConstraintSetFixture(slot preconf.Slot, commitments ...*preconf.Commitment) *preconf.ConstraintSet {
	if len(commitments) == 0 {
		commitments = []*preconf.Commitment{CommitmentFixture(slot)}
	}
	sk, id := BLSKeyFixture()
	msg := preconf.NewConstraintsMessage(id, slot, commitments)
	root, err := msg.HashTreeRoot()
	if err != nil {
		panic(fmt.Sprintf("could not compute hash tree root: %s", err))
	}
	return &preconf.ConstraintSet{
		Message:   msg,
		Signature: BLSSign(sk, root[:]),
	}
}
