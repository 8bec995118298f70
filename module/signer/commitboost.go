// Package signer implements the remote constraint signer client against the
// commit-boost signer API. The service is an opaque capability: object root
// in, BLS signature out. Every call is bounded by a per-attempt timeout and
// a bounded retry schedule so a stalled signer cannot eat the slot budget.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module"
)

const (
	pubkeysPath   = "/signer/v1/get_pubkeys"
	signaturePath = "/signer/v1/request_signature"

	// signingType selects the consensus (BLS) key class on the signer.
	signingType = "consensus"
)

// DefaultRequestTimeout bounds one signing attempt. It should be a small
// fraction of the aggregation lead time so the bounded retries still fit.
const DefaultRequestTimeout = 2 * time.Second

// Config for the commit-boost signer client.
type Config struct {
	// URL of the signer service.
	URL string
	// JWT authenticates this module against the signer. The signer rejects
	// unauthenticated calls, so an empty token only works against a signer
	// with auth disabled.
	JWT string
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration
	// MaxRetries bounds how often a failed attempt is repeated.
	MaxRetries uint64
	// RetryInitialWait is the first backoff interval; it doubles per retry.
	RetryInitialWait time.Duration
}

// CommitBoostClient talks to a commit-boost compatible remote signer.
type CommitBoostClient struct {
	log  zerolog.Logger
	base *url.URL
	http *http.Client
	cfg  Config
}

var _ module.ConstraintSigner = (*CommitBoostClient)(nil)

func NewCommitBoostClient(log zerolog.Logger, cfg Config) (*CommitBoostClient, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signer url: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = 100 * time.Millisecond
	}
	return &CommitBoostClient{
		log:  log.With().Str("module", "signer").Logger(),
		base: base,
		http: &http.Client{},
		cfg:  cfg,
	}, nil
}

type keySet struct {
	Consensus string `json:"consensus"`
}

type pubkeysResponse struct {
	Keys []keySet `json:"keys"`
}

type signatureRequest struct {
	Type       string `json:"type"`
	Pubkey     string `json:"pubkey"`
	ObjectRoot string `json:"object_root"`
}

// Pubkeys lists the consensus signing identities held by the signer.
func (c *CommitBoostClient) Pubkeys(ctx context.Context) ([]preconf.SignerID, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pubkeysPath), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach signer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer returned status %d listing pubkeys", resp.StatusCode)
	}

	var body pubkeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("could not decode pubkeys response: %w", err)
	}
	keys := make([]preconf.SignerID, 0, len(body.Keys))
	for _, ks := range body.Keys {
		id, err := preconf.SignerIDFromHex(ks.Consensus)
		if err != nil {
			return nil, fmt.Errorf("signer returned invalid consensus key %q: %w", ks.Consensus, err)
		}
		keys = append(keys, id)
	}
	return keys, nil
}

// Sign requests a BLS signature over the object root and verifies the
// response against the requested public key before returning it. Transport
// failures are retried with exponential backoff; an invalid signature is a
// permanent failure since retrying a misbehaving signer cannot fix it.
func (c *CommitBoostClient) Sign(ctx context.Context, pubkey preconf.SignerID, root [32]byte) (preconf.BLSSignature, error) {
	backoff, err := retry.NewExponential(c.cfg.RetryInitialWait)
	if err != nil {
		return preconf.BLSSignature{}, fmt.Errorf("could not create retry backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)
	backoff = retry.WithCappedDuration(c.cfg.RequestTimeout, backoff)
	backoff = retry.WithJitterPercent(10, backoff)

	var sig preconf.BLSSignature
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptSig, err := c.requestSignature(ctx, pubkey, root)
		if err != nil {
			c.log.Warn().Err(err).Str("pubkey", pubkey.String()).Msg("signing attempt failed")
			return retry.RetryableError(err)
		}
		if !pubkey.Verify(attemptSig, root[:]) {
			return fmt.Errorf("signer returned a signature that does not verify for %s", pubkey)
		}
		sig = attemptSig
		return nil
	})
	if err != nil {
		return preconf.BLSSignature{}, fmt.Errorf("could not obtain constraint signature: %w", err)
	}
	return sig, nil
}

func (c *CommitBoostClient) requestSignature(ctx context.Context, pubkey preconf.SignerID, root [32]byte) (preconf.BLSSignature, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(signatureRequest{
		Type:       signingType,
		Pubkey:     pubkey.String(),
		ObjectRoot: hexutil.Encode(root[:]),
	})
	if err != nil {
		return preconf.BLSSignature{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(signaturePath), bytes.NewReader(body))
	if err != nil {
		return preconf.BLSSignature{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return preconf.BLSSignature{}, fmt.Errorf("could not reach signer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return preconf.BLSSignature{}, fmt.Errorf("signer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	// The signer returns the signature as a JSON-encoded hex string.
	var sigHex string
	if err := json.NewDecoder(resp.Body).Decode(&sigHex); err != nil {
		return preconf.BLSSignature{}, fmt.Errorf("could not decode signature response: %w", err)
	}
	sig, err := preconf.BLSSignatureFromHex(sigHex)
	if err != nil {
		return preconf.BLSSignature{}, fmt.Errorf("signer returned invalid signature encoding: %w", err)
	}
	return sig, nil
}

func (c *CommitBoostClient) authorize(req *http.Request) {
	if c.cfg.JWT != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.JWT)
	}
}

func (c *CommitBoostClient) endpoint(path string) string {
	u := *c.base
	u.Path = path
	return u.String()
}
