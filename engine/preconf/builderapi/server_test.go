package builderapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interstate-labs/sidecar/engine/preconf/relay"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module/mempool/stdmap"
	"github.com/interstate-labs/sidecar/module/metrics"
	"github.com/interstate-labs/sidecar/utils/unittest"
)

type recordingObserver struct {
	mu     sync.Mutex
	slots  []preconf.Slot
	hashes [][]common.Hash
}

func (o *recordingObserver) OnBlockObserved(slot preconf.Slot, txHashes []common.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slots = append(o.slots, slot)
	o.hashes = append(o.hashes, txHashes)
}

type proxyHarness struct {
	srv      *httptest.Server
	store    *stdmap.Commitments
	observer *recordingObserver
}

func newProxyHarness(t *testing.T, relayURLs ...string) *proxyHarness {
	clients := make([]*relay.Client, 0, len(relayURLs))
	for i, url := range relayURLs {
		clients = append(clients, relay.NewClient(unittest.Logger(), relay.ClientConfig{
			Name: fmt.Sprintf("relay-%d", i),
			URL:  url,
		}))
	}
	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway, err := relay.NewGateway(unittest.Logger(), relay.GatewayConfig{}, clients, store, metrics.NewNoopCollector())
	require.NoError(t, err)

	observer := &recordingObserver{}
	server := NewServer(unittest.Logger(), Config{ListenAddr: "127.0.0.1:0"}, gateway, store, observer)

	srv := httptest.NewServer(server.server.Handler)
	t.Cleanup(srv.Close)
	return &proxyHarness{srv: srv, store: store, observer: observer}
}

func payloadBody(raws ...[]byte) []byte {
	txs := make([]string, 0, len(raws))
	for _, raw := range raws {
		txs = append(txs, hexutil.Encode(raw))
	}
	data, _ := json.Marshal(map[string]interface{}{
		"version": "deneb",
		"data": map[string]interface{}{
			"execution_payload": map[string]interface{}{
				"transactions": txs,
			},
		},
	})
	return data
}

const blindedBody = `{"message":{"slot":"42"}}`

func TestStatusOneHealthyRelay(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	h := newProxyHarness(t, good.URL, bad.URL)
	res, err := http.Get(h.srv.URL + "/eth/v1/builder/status")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStatusNoHealthyRelay(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	h := newProxyHarness(t, bad.URL)
	res, err := http.Get(h.srv.URL + "/eth/v1/builder/status")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestGetHeaderProxiesFirstBid(t *testing.T) {
	bid := `{"version":"deneb","data":{"message":{"value":"1000"}}}`
	var gotPath string
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(bid))
	}))
	defer relaySrv.Close()

	h := newProxyHarness(t, relaySrv.URL)
	res, err := http.Get(h.srv.URL + "/eth/v1/builder/header/42/0xparent/0xpubkey")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/eth/v1/builder/header/42/0xparent/0xpubkey", gotPath)

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	assert.Equal(t, "deneb", decoded["version"])
}

func TestGetHeaderNoBidIsBareNoContent(t *testing.T) {
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer relaySrv.Close()

	h := newProxyHarness(t, relaySrv.URL)
	res, err := http.Get(h.srv.URL + "/eth/v1/builder/header/42/0xparent/0xpubkey")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	// a 204 carries neither a body nor a content type
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Empty(t, res.Header.Get("Content-Type"))
}

func TestBlindedBlockRevealsCompliantPayload(t *testing.T) {
	commitment := unittest.CommitmentFixture(42)
	set := unittest.ConstraintSetFixture(42, commitment)

	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payloadBody(commitment.RawTxs[0]))
	}))
	defer relaySrv.Close()

	h := newProxyHarness(t, relaySrv.URL)
	h.store.Finalize(42)
	require.NoError(t, h.store.SetConstraintSet(42, set))

	res, err := http.Post(h.srv.URL+"/eth/v1/builder/blinded_blocks", "application/json",
		bytes.NewReader([]byte(blindedBody)))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	// the observer saw the revealed block
	require.Len(t, h.observer.slots, 1)
	assert.Equal(t, preconf.Slot(42), h.observer.slots[0])
	assert.Contains(t, h.observer.hashes[0], commitment.Txs[0].Hash())
}

func TestBlindedBlockRefusesViolatingPayload(t *testing.T) {
	commitment := unittest.CommitmentFixture(42)
	set := unittest.ConstraintSetFixture(42, commitment)

	// the relay's payload omits the committed transaction
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payloadBody([]byte{0x02, 0x01}))
	}))
	defer relaySrv.Close()

	h := newProxyHarness(t, relaySrv.URL)
	h.store.Finalize(42)
	require.NoError(t, h.store.SetConstraintSet(42, set))

	res, err := http.Post(h.srv.URL+"/eth/v1/builder/blinded_blocks", "application/json",
		bytes.NewReader([]byte(blindedBody)))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Empty(t, h.observer.slots)
}

func TestBlindedBlockNoConstraintsPassesThrough(t *testing.T) {
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payloadBody([]byte{0x02, 0x01}))
	}))
	defer relaySrv.Close()

	h := newProxyHarness(t, relaySrv.URL)

	res, err := http.Post(h.srv.URL+"/eth/v1/builder/blinded_blocks", "application/json",
		bytes.NewReader([]byte(blindedBody)))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, h.observer.slots, 1)
}

func TestDelegatePassthrough(t *testing.T) {
	var gotPath string
	var gotBody []byte
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		gotBody = body.Bytes()
		w.Write([]byte(`{}`))
	}))
	defer relaySrv.Close()

	h := newProxyHarness(t, relaySrv.URL)
	delegation := []byte(`{"message":{"delegatee":"0xabc"}}`)
	res, err := http.Post(h.srv.URL+"/constraints/v1/builder/delegate", "application/json",
		bytes.NewReader(delegation))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/constraints/v1/builder/delegate", gotPath)
	assert.Equal(t, delegation, gotBody)
}
