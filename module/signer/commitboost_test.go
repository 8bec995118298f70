package signer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/utils/unittest"
)

func TestPubkeys(t *testing.T) {
	_, idA := unittest.BLSKeyFixture()
	_, idB := unittest.BLSKeyFixture()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/signer/v1/get_pubkeys", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{
				{"consensus": idA.String()},
				{"consensus": idB.String()},
			},
		})
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{URL: srv.URL})
	require.NoError(t, err)

	keys, err := client.Pubkeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []preconf.SignerID{idA, idB}, keys)
}

func TestPubkeysRejectsInvalidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{"consensus": "0xdeadbeef"}},
		})
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = client.Pubkeys(context.Background())
	require.Error(t, err)
}

func TestSignVerifiesResponse(t *testing.T) {
	sk, id := unittest.BLSKeyFixture()
	root := [32]byte{1, 2, 3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/signer/v1/request_signature", r.URL.Path)

		var req struct {
			Type       string `json:"type"`
			Pubkey     string `json:"pubkey"`
			ObjectRoot string `json:"object_root"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "consensus", req.Type)
		assert.Equal(t, id.String(), req.Pubkey)
		assert.Equal(t, hexutil.Encode(root[:]), req.ObjectRoot)

		sig := unittest.BLSSign(sk, root[:])
		json.NewEncoder(w).Encode(sig.String())
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{URL: srv.URL})
	require.NoError(t, err)

	sig, err := client.Sign(context.Background(), id, root)
	require.NoError(t, err)
	assert.True(t, id.Verify(sig, root[:]))
}

func TestRequestsCarryBearerToken(t *testing.T) {
	sk, id := unittest.BLSKeyFixture()
	root := [32]byte{7}

	const token = "test-signer-jwt"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/signer/v1/get_pubkeys":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"keys": []map[string]string{{"consensus": id.String()}},
			})
		case "/signer/v1/request_signature":
			sig := unittest.BLSSign(sk, root[:])
			json.NewEncoder(w).Encode(sig.String())
		}
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{URL: srv.URL, JWT: token})
	require.NoError(t, err)

	keys, err := client.Pubkeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []preconf.SignerID{id}, keys)

	sig, err := client.Sign(context.Background(), id, root)
	require.NoError(t, err)
	assert.True(t, id.Verify(sig, root[:]))

	// without the token the signer turns us away
	unauthed, err := NewCommitBoostClient(unittest.Logger(), Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = unauthed.Pubkeys(context.Background())
	require.Error(t, err)
}

func TestSignRejectsForeignSignature(t *testing.T) {
	otherSK, _ := unittest.BLSKeyFixture()
	_, id := unittest.BLSKeyFixture()
	root := [32]byte{1, 2, 3}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// signed by the wrong key
		sig := unittest.BLSSign(otherSK, root[:])
		json.NewEncoder(w).Encode(sig.String())
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = client.Sign(context.Background(), id, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not verify")
}

func TestSignRetriesTransportFailures(t *testing.T) {
	sk, id := unittest.BLSKeyFixture()
	root := [32]byte{9}

	attempts := atomic.NewInt64(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Inc() < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		sig := unittest.BLSSign(sk, root[:])
		json.NewEncoder(w).Encode(sig.String())
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{
		URL:              srv.URL,
		MaxRetries:       5,
		RetryInitialWait: time.Millisecond,
	})
	require.NoError(t, err)

	sig, err := client.Sign(context.Background(), id, root)
	require.NoError(t, err)
	assert.True(t, id.Verify(sig, root[:]))
	assert.Equal(t, int64(3), attempts.Load())
}

func TestSignRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// drain the body so the server watches the connection and the
		// request context is cancelled when the client disconnects
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, err := NewCommitBoostClient(unittest.Logger(), Config{
		URL:              srv.URL,
		RequestTimeout:   5 * time.Second,
		MaxRetries:       10,
		RetryInitialWait: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, id := unittest.BLSKeyFixture()
	_, err = client.Sign(ctx, id, [32]byte{1})
	require.Error(t, err)
}
