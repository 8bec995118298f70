package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interstate-labs/sidecar/engine/preconf/admission"
	"github.com/interstate-labs/sidecar/engine/preconf/coordinator"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module/mempool/stdmap"
	"github.com/interstate-labs/sidecar/module/metrics"
	"github.com/interstate-labs/sidecar/module/slotclock"
	"github.com/interstate-labs/sidecar/utils/unittest"
)

type restHarness struct {
	srv   *httptest.Server
	store *stdmap.Commitments
	coord *coordinator.Coordinator
	now   *time.Time
}

func newRestHarness(t *testing.T) *restHarness {
	genesis := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := genesis.Add(9 * 12 * time.Second)

	clock, err := slotclock.New(slotclock.Config{
		GenesisTime:              genesis,
		SlotDuration:             12 * time.Second,
		CommitmentDeadlineOffset: 8 * time.Second,
		AggregationLeadTime:      6 * time.Second,
	}, slotclock.WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)

	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	coord := coordinator.New(unittest.Logger())
	controller, err := admission.NewController(
		unittest.Logger(),
		admission.Config{ChainID: unittest.TestChainID, MaxCommitmentsPerSlot: 4},
		clock, store, coord,
		unittest.SignerIDFixture(), metrics.NewNoopCollector(),
	)
	require.NoError(t, err)

	handler := NewHandler(unittest.Logger(), controller, store)
	server := NewServer(unittest.Logger(), Config{ListenAddr: "127.0.0.1:0"}, handler, prometheus.NewRegistry())

	srv := httptest.NewServer(server.server.Handler)
	t.Cleanup(srv.Close)

	return &restHarness{srv: srv, store: store, coord: coord, now: &now}
}

func wireRequest(req *preconf.CommitmentRequest) []byte {
	wire := preconfirmationRequest{
		Slot:      uint64(req.Slot),
		Signature: hexutil.Encode(req.Signature[:]),
		Sender:    req.Sender.Hex(),
	}
	for _, raw := range req.RawTxs {
		wire.Txs = append(wire.Txs, hexutil.Bytes(raw))
	}
	body, err := json.Marshal(wire)
	if err != nil {
		panic(err)
	}
	return body
}

func (h *restHarness) submit(t *testing.T, body []byte) *http.Response {
	res, err := http.Post(h.srv.URL+"/api/v1/preconfirmation", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestSubmitPreconfirmationAccepts(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	req := unittest.CommitmentRequestFixture(key, 10)

	res := h.submit(t, wireRequest(req))
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out preconfirmationResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.True(t, out.OK)
	assert.Equal(t, req.Digest(), out.Digest)
	assert.Equal(t, uint64(10), out.Slot)
	assert.False(t, out.Deadline.IsZero())
	assert.Len(t, h.store.BySlot(10), 1)
}

func TestSubmitPreconfirmationRetryIsIdempotent(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	body := wireRequest(unittest.CommitmentRequestFixture(key, 10))

	first := h.submit(t, body)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := h.submit(t, body)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Len(t, h.store.BySlot(10), 1)
}

func rejectionCode(t *testing.T, res *http.Response) string {
	var out errorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out.Code
}

func TestSubmitPreconfirmationMalformedBody(t *testing.T) {
	h := newRestHarness(t)
	res := h.submit(t, []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, CodeMalformed, rejectionCode(t, res))
}

func TestSubmitPreconfirmationBadSignature(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	req := unittest.CommitmentRequestFixture(key, 10)
	req.Signature[10] ^= 0xff

	res := h.submit(t, wireRequest(req))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, CodeMalformed, rejectionCode(t, res))
}

func TestSubmitPreconfirmationPastDeadline(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	req := unittest.CommitmentRequestFixture(key, 10)

	*h.now = h.now.Add(5 * time.Second)

	res := h.submit(t, wireRequest(req))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, CodeDeadlineExceeded, rejectionCode(t, res))
}

func TestSubmitPreconfirmationNonceConflict(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	txA := unittest.TransactionFixture(key, unittest.WithNonce(0))
	txB := unittest.TransactionFixture(key, unittest.WithNonce(0), unittest.WithGasLimit(40_000))

	first := h.submit(t, wireRequest(unittest.CommitmentRequestFixture(key, 10, txA)))
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := h.submit(t, wireRequest(unittest.CommitmentRequestFixture(key, 10, txB)))
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, CodeDuplicate, rejectionCode(t, second))
}

func TestSubmitPreconfirmationCrossSignerConflict(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	tx := unittest.TransactionFixture(key, unittest.WithNonce(0))
	req := unittest.CommitmentRequestFixture(key, 10, tx)

	// another sidecar instance already holds this account nonce for the slot
	other := unittest.SignerIDFixture()
	held := preconf.Resource{Sender: req.Sender, Nonce: 0}
	require.NoError(t, h.coord.Reserve(10, other, common.Hash{0xaa}, []preconf.Resource{held}))

	res := h.submit(t, wireRequest(req))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, CodeConflictingCommitment, rejectionCode(t, res))
}

func TestSubmitPreconfirmationLimit(t *testing.T) {
	h := newRestHarness(t)
	for i := 0; i < 4; i++ {
		key := unittest.PrivateKeyFixture()
		res := h.submit(t, wireRequest(unittest.CommitmentRequestFixture(key, 10)))
		require.Equal(t, http.StatusOK, res.StatusCode)
	}

	key := unittest.PrivateKeyFixture()
	res := h.submit(t, wireRequest(unittest.CommitmentRequestFixture(key, 10)))
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, CodeLimitExceeded, rejectionCode(t, res))
}

func TestSlotCommitments(t *testing.T) {
	h := newRestHarness(t)
	key := unittest.PrivateKeyFixture()
	req := unittest.CommitmentRequestFixture(key, 10)
	require.Equal(t, http.StatusOK, h.submit(t, wireRequest(req)).StatusCode)

	res, err := http.Get(h.srv.URL + "/api/v1/slots/10/commitments")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out struct {
		Slot        uint64 `json:"slot"`
		Phase       string `json:"phase"`
		Commitments []struct {
			Sender string `json:"sender"`
			Status string `json:"status"`
		} `json:"commitments"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, uint64(10), out.Slot)
	assert.Equal(t, "open", out.Phase)
	require.Len(t, out.Commitments, 1)
	assert.Equal(t, req.Sender.Hex(), out.Commitments[0].Sender)
	assert.Equal(t, "pending", out.Commitments[0].Status)
}

func TestSlotConstraints(t *testing.T) {
	h := newRestHarness(t)

	res, err := http.Get(h.srv.URL + "/api/v1/slots/10/constraints")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	set := unittest.ConstraintSetFixture(10)
	h.store.Finalize(10)
	require.NoError(t, h.store.SetConstraintSet(10, set))

	res, err = http.Get(h.srv.URL + "/api/v1/slots/10/constraints")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var decoded preconf.ConstraintSet
	require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	assert.Equal(t, set.Signature, decoded.Signature)
	assert.Equal(t, set.Message.Slot, decoded.Message.Slot)
}

func TestSlotAudit(t *testing.T) {
	h := newRestHarness(t)

	res, err := http.Get(h.srv.URL + "/api/v1/slots/10/audit")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	key := unittest.PrivateKeyFixture()
	require.Equal(t, http.StatusOK, h.submit(t, wireRequest(unittest.CommitmentRequestFixture(key, 10))).StatusCode)

	res, err = http.Get(h.srv.URL + "/api/v1/slots/10/audit")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/cbor", res.Header.Get("Content-Type"))
}

func TestHealth(t *testing.T) {
	h := newRestHarness(t)
	res, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
