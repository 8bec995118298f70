package preconf

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ExecutionPayload is the slice of a builder's execution payload the sidecar
// cares about: the ordered transaction list. All other payload fields pass
// through the gateway untouched.
type ExecutionPayload struct {
	// Transactions are the enveloped transaction bytes in block order.
	Transactions [][]byte
}

// TxHashes returns the keccak hash of every enveloped transaction, in block
// order. Hashing the envelope directly avoids decoding transactions the
// sidecar has no commitment for.
func (p *ExecutionPayload) TxHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(p.Transactions))
	for _, raw := range p.Transactions {
		hashes = append(hashes, crypto.Keccak256Hash(raw))
	}
	return hashes
}

// VersionedPayloadResponse is the builder API getPayload envelope:
// {"version": "...", "data": {...}}. Only the transaction list is decoded;
// the raw body is retained so the gateway can forward it verbatim.
type VersionedPayloadResponse struct {
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// payloadTransactions matches the transaction list inside any payload
// version, including the deneb-style nested execution_payload wrapper.
type payloadTransactions struct {
	Transactions     []hexutil.Bytes `json:"transactions"`
	ExecutionPayload *struct {
		Transactions []hexutil.Bytes `json:"transactions"`
	} `json:"execution_payload"`
}

// ExecutionPayload extracts the transaction list from the versioned data.
func (r *VersionedPayloadResponse) ExecutionPayload() (*ExecutionPayload, error) {
	var data payloadTransactions
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return nil, err
	}
	txs := data.Transactions
	if data.ExecutionPayload != nil {
		txs = data.ExecutionPayload.Transactions
	}
	payload := &ExecutionPayload{Transactions: make([][]byte, 0, len(txs))}
	for _, tx := range txs {
		payload.Transactions = append(payload.Transactions, tx)
	}
	return payload, nil
}
