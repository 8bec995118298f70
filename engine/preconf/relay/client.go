// Package relay implements the PBS-side gateway: publishing signed
// constraint sets to relays, proxying the builder API, and validating
// builder payloads against the slot's constraints.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/interstate-labs/sidecar/model/preconf"
)

const (
	constraintsPath  = "/constraints/v1/builder/constraints"
	delegatePath     = "/constraints/v1/builder/delegate"
	revokePath       = "/constraints/v1/builder/revoke"
	statusPath       = "/eth/v1/builder/status"
	validatorsPath   = "/eth/v1/builder/validators"
	headerPathFmt    = "/eth/v1/builder/header/%d/%s/%s"
	blindedBlockPath = "/eth/v1/builder/blinded_blocks"

	defaultRequestTimeout  = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// ClientConfig configures one relay endpoint.
type ClientConfig struct {
	// Name labels the relay in logs, metrics and audit records.
	Name string
	// URL is the relay's base URL.
	URL string
	// RequestTimeout bounds each HTTP round trip (0 means default).
	RequestTimeout time.Duration
	// BreakerFailures is how many consecutive failures trip the circuit
	// breaker (0 means default).
	BreakerFailures uint32
	// BreakerCooldown is how long a tripped breaker stays open before
	// probing again (0 means default).
	BreakerCooldown time.Duration
}

// Client talks to one relay. All requests flow through a circuit breaker, so
// a relay that keeps failing is skipped cheaply instead of eating the
// publication window.
type Client struct {
	log     zerolog.Logger
	cfg     ClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(log zerolog.Logger, cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	log = log.With().Str("module", "relay_client").Str("relay", cfg.Name).Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("relay circuit breaker state changed")
		},
	})
	return &Client{
		log:     log,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
	}
}

// Name returns the relay's configured label.
func (c *Client) Name() string {
	return c.cfg.Name
}

// SubmitConstraints publishes the signed constraint set.
func (c *Client) SubmitConstraints(ctx context.Context, set *preconf.ConstraintSet) error {
	body, err := json.Marshal([]*preconf.ConstraintSet{set})
	if err != nil {
		return fmt.Errorf("could not encode constraint set: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, constraintsPath, body)
	return err
}

// Delegate forwards a signed delegation message verbatim.
func (c *Client) Delegate(ctx context.Context, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, delegatePath, body)
	return err
}

// Revoke forwards a signed revocation message verbatim.
func (c *Client) Revoke(ctx context.Context, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, revokePath, body)
	return err
}

// Status checks the relay's availability.
func (c *Client) Status(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, statusPath, nil)
	return err
}

// RegisterValidators forwards signed validator registrations verbatim.
func (c *Client) RegisterValidators(ctx context.Context, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, validatorsPath, body)
	return err
}

// GetHeader fetches the relay's best bid for the slot.
func (c *Client) GetHeader(ctx context.Context, slot preconf.Slot, parentHash, pubkey string) (json.RawMessage, error) {
	path := fmt.Sprintf(headerPathFmt, slot, parentHash, pubkey)
	return c.do(ctx, http.MethodGet, path, nil)
}

// SubmitBlindedBlock exchanges a signed blinded block for the full payload.
func (c *Client) SubmitBlindedBlock(ctx context.Context, body []byte) (*preconf.VersionedPayloadResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, blindedBlockPath, body)
	if err != nil {
		return nil, err
	}
	var payload preconf.VersionedPayloadResponse
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("could not decode payload response: %w", err)
	}
	return &payload, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	resp, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("could not build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request to relay failed: %w", err)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(io.LimitReader(res.Body, 1<<24))
		if err != nil {
			return nil, fmt.Errorf("could not read relay response: %w", err)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, fmt.Errorf("relay returned status %d: %s", res.StatusCode, truncate(data, 256))
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		return nil, err
	}
	return resp.(json.RawMessage), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
