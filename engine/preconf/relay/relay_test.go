package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module/mempool/stdmap"
	"github.com/interstate-labs/sidecar/module/metrics"
	"github.com/interstate-labs/sidecar/utils/unittest"
)

func newGateway(t *testing.T, cfg GatewayConfig, store *stdmap.Commitments, urls ...string) *Gateway {
	clients := make([]*Client, 0, len(urls))
	for i, url := range urls {
		clients = append(clients, NewClient(unittest.Logger(), ClientConfig{
			Name: "relay-" + string(rune('a'+i)),
			URL:  url,
		}))
	}
	gateway, err := NewGateway(unittest.Logger(), cfg, clients, store, metrics.NewNoopCollector())
	require.NoError(t, err)
	return gateway
}

func TestSubmitConstraintsWireFormat(t *testing.T) {
	set := unittest.ConstraintSetFixture(42)

	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(unittest.Logger(), ClientConfig{Name: "relay", URL: srv.URL})
	require.NoError(t, client.SubmitConstraints(context.Background(), set))

	assert.Equal(t, "/constraints/v1/builder/constraints", gotPath)

	var decoded []*preconf.ConstraintSet
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, set.Message.Slot, decoded[0].Message.Slot)
	assert.Equal(t, set.Message.Pubkey, decoded[0].Message.Pubkey)
	assert.Equal(t, set.Signature, decoded[0].Signature)
}

func TestClientBreakerTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(unittest.Logger(), ClientConfig{
		Name:            "flaky",
		URL:             srv.URL,
		BreakerFailures: 3,
	})

	for i := 0; i < 3; i++ {
		require.Error(t, client.Status(context.Background()))
	}

	// breaker is open now: the next call fails without reaching the server
	err := client.Status(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestPublishFirstAcceptanceWins(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{}, store, good.URL, bad.URL)

	set := unittest.ConstraintSetFixture(42)
	require.NoError(t, gateway.Publish(context.Background(), set))

	// the losing attempt records its audit entry after Publish returns
	require.Eventually(t, func() bool {
		return len(store.Submissions(42)) == 2
	}, time.Second, 10*time.Millisecond)

	accepted := 0
	for _, sub := range store.Submissions(42) {
		assert.Equal(t, preconf.Slot(42), sub.Slot)
		if sub.Status == preconf.SubmissionOK {
			accepted++
		} else {
			// rejected or abandoned by cancellation, depending on the race
			assert.NotEmpty(t, sub.Error)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestPublishCancelsLosers(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer good.Close()
	slowDone := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// drain the body so the server watches the connection and the
		// request context is cancelled when the client disconnects
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
		close(slowDone)
	}))
	defer slow.Close()

	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{PublishTimeout: 10 * time.Second}, store, good.URL, slow.URL)

	start := time.Now()
	require.NoError(t, gateway.Publish(context.Background(), unittest.ConstraintSetFixture(42)))
	assert.Less(t, time.Since(start), 5*time.Second, "winner must not wait for the slow relay")

	// cancellation must reach the in-flight loser well before the window
	select {
	case <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("losing request was not cancelled")
	}
	require.Eventually(t, func() bool {
		return len(store.Submissions(42)) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPublishAllRejected(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{}, store, bad.URL)

	err := gateway.Publish(context.Background(), unittest.ConstraintSetFixture(42))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrPublishTimedOut))

	subs := store.Submissions(42)
	require.Len(t, subs, 1)
	assert.Equal(t, preconf.SubmissionFailed, subs[0].Status)
	assert.NotEmpty(t, subs[0].Error)
}

func TestPublishTimesOut(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer slow.Close()

	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{PublishTimeout: 50 * time.Millisecond}, store, slow.URL)

	err := gateway.Publish(context.Background(), unittest.ConstraintSetFixture(42))
	require.ErrorIs(t, err, ErrPublishTimedOut)

	subs := store.Submissions(42)
	require.Len(t, subs, 1)
	assert.Equal(t, preconf.SubmissionTimedOut, subs[0].Status)
}

func TestNewGatewayRequiresRelays(t *testing.T) {
	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	_, err := NewGateway(unittest.Logger(), GatewayConfig{}, nil, store, metrics.NewNoopCollector())
	require.ErrorIs(t, err, ErrNoRelays)
}

func payloadFor(raws ...[]byte) *preconf.ExecutionPayload {
	return &preconf.ExecutionPayload{Transactions: raws}
}

func TestValidatePayloadSatisfied(t *testing.T) {
	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{}, store, "http://localhost:0")

	set := unittest.ConstraintSetFixture(42,
		unittest.CommitmentFixture(42),
		unittest.CommitmentFixture(42),
	)
	filler := []byte{0x02, 0xff, 0xee}
	payload := payloadFor(
		set.Message.Constraints[0].Raw,
		filler,
		set.Message.Constraints[1].Raw,
	)

	report := gateway.ValidatePayload(payload, set)
	assert.True(t, report.Satisfied)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.OutOfOrder)
}

func TestValidatePayloadMissing(t *testing.T) {
	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{}, store, "http://localhost:0")

	set := unittest.ConstraintSetFixture(42,
		unittest.CommitmentFixture(42),
		unittest.CommitmentFixture(42),
	)
	payload := payloadFor(set.Message.Constraints[0].Raw)

	report := gateway.ValidatePayload(payload, set)
	assert.False(t, report.Satisfied)
	require.Len(t, report.Missing, 1)
	assert.Equal(t, set.Message.Constraints[1].Tx.Hash(), report.Missing[0])
	assert.Empty(t, report.OutOfOrder)
}

func TestValidatePayloadOutOfOrder(t *testing.T) {
	store := stdmap.NewCommitments(metrics.NewNoopCollector())
	gateway := newGateway(t, GatewayConfig{}, store, "http://localhost:0")

	set := unittest.ConstraintSetFixture(42,
		unittest.CommitmentFixture(42),
		unittest.CommitmentFixture(42),
	)
	// committed order reversed in the payload
	payload := payloadFor(
		set.Message.Constraints[1].Raw,
		set.Message.Constraints[0].Raw,
	)

	report := gateway.ValidatePayload(payload, set)
	assert.False(t, report.Satisfied)
	assert.Empty(t, report.Missing)
	require.Len(t, report.OutOfOrder, 1)
	assert.Equal(t, set.Message.Constraints[1].Tx.Hash(), report.OutOfOrder[0])
}
