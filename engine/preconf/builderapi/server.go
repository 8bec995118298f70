// Package builderapi proxies the PBS builder API between the consensus
// client and the configured relays. It is the enforcement point for
// constraints: a payload that violates the slot's signed constraint set is
// refused instead of returned to the proposer.
package builderapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/interstate-labs/sidecar/engine/preconf/relay"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module/component"
	"github.com/interstate-labs/sidecar/module/irrecoverable"
	"github.com/interstate-labs/sidecar/module/mempool"
)

const (
	defaultProxyTimeout    = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 1 << 22
)

// ErrConstraintsViolated is returned when a revealed payload does not honor
// the slot's signed constraint set.
var ErrConstraintsViolated = errors.New("payload violates slot constraints")

// BlockObserver receives the transactions of a revealed payload so the
// slot's commitments can be resolved against it.
type BlockObserver interface {
	OnBlockObserved(slot preconf.Slot, txHashes []common.Hash)
}

// Config holds the proxy settings.
type Config struct {
	// ListenAddr is the address the proxy binds to.
	ListenAddr string
	// ProxyTimeout bounds each fan-out to the relays (0 means default).
	ProxyTimeout time.Duration
}

// Server is the builder API proxy. It implements component.Component.
type Server struct {
	component.Component

	log      zerolog.Logger
	cfg      Config
	gateway  *relay.Gateway
	store    mempool.Commitments
	observer BlockObserver
	server   *http.Server
}

func NewServer(
	log zerolog.Logger,
	cfg Config,
	gateway *relay.Gateway,
	store mempool.Commitments,
	observer BlockObserver,
) *Server {
	if cfg.ProxyTimeout == 0 {
		cfg.ProxyTimeout = defaultProxyTimeout
	}
	s := &Server{
		log:      log.With().Str("engine", "builderapi").Logger(),
		cfg:      cfg,
		gateway:  gateway,
		store:    store,
		observer: observer,
	}

	router := mux.NewRouter()
	router.HandleFunc("/eth/v1/builder/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/eth/v1/builder/validators", s.handleRegisterValidators).Methods(http.MethodPost)
	router.HandleFunc("/eth/v1/builder/header/{slot:[0-9]+}/{parent_hash}/{pubkey}", s.handleGetHeader).Methods(http.MethodGet)
	router.HandleFunc("/eth/v1/builder/blinded_blocks", s.handleBlindedBlock).Methods(http.MethodPost)
	router.HandleFunc("/constraints/v1/builder/delegate", s.handleDelegate).Methods(http.MethodPost)
	router.HandleFunc("/constraints/v1/builder/revoke", s.handleRevoke).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.Component = component.NewManagerBuilder().
		AddWorker(s.serve).
		Build()
	return s
}

func (s *Server) serve(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		ctx.Throw(fmt.Errorf("could not listen on %s: %w", s.cfg.ListenAddr, err))
		return
	}
	s.log.Info().Str("addr", listener.Addr().String()).Msg("builder api proxy listening")

	errs := make(chan error, 1)
	go func() {
		errs <- s.server.Serve(listener)
	}()
	ready()

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.Throw(fmt.Errorf("builder api proxy failed: %w", err))
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
		}
	}
}

// handleStatus reports healthy when at least one relay does.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	ok := make(chan struct{}, len(s.gateway.Clients()))
	for _, client := range s.gateway.Clients() {
		client := client
		g.Go(func() error {
			if err := client.Status(ctx); err == nil {
				ok <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-ok:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "no relay available", http.StatusBadGateway)
	}
}

// handleRegisterValidators forwards registrations to every relay.
func (s *Server) handleRegisterValidators(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	s.fanOut(w, r, func(ctx context.Context, client *relay.Client) error {
		return client.RegisterValidators(ctx, body)
	})
}

// handleDelegate forwards a signed delegation to every relay.
func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	s.fanOut(w, r, func(ctx context.Context, client *relay.Client) error {
		return client.Delegate(ctx, body)
	})
}

// handleRevoke forwards a signed revocation to every relay.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	s.fanOut(w, r, func(ctx context.Context, client *relay.Client) error {
		return client.Revoke(ctx, body)
	})
}

// fanOut runs op against every relay and succeeds when at least one does.
func (s *Server) fanOut(w http.ResponseWriter, r *http.Request, op func(context.Context, *relay.Client) error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	ok := make(chan struct{}, len(s.gateway.Clients()))
	for _, client := range s.gateway.Clients() {
		client := client
		g.Go(func() error {
			if err := op(ctx, client); err == nil {
				ok <- struct{}{}
			} else {
				s.log.Debug().Err(err).Str("relay", client.Name()).Msg("relay call failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-ok:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "all relays failed", http.StatusBadGateway)
	}
}

// handleGetHeader queries every relay and returns the first valid bid.
func (s *Server) handleGetHeader(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	slotNum, err := strconv.ParseUint(vars["slot"], 10, 64)
	if err != nil {
		http.Error(w, "invalid slot", http.StatusBadRequest)
		return
	}
	slot := preconf.Slot(slotNum)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	headers := make(chan json.RawMessage, len(s.gateway.Clients()))
	g, ctx := errgroup.WithContext(ctx)
	for _, client := range s.gateway.Clients() {
		client := client
		g.Go(func() error {
			header, err := client.GetHeader(ctx, slot, vars["parent_hash"], vars["pubkey"])
			if err != nil {
				s.log.Debug().Err(err).Str("relay", client.Name()).Msg("no header from relay")
				return nil
			}
			// relays answer 204 with an empty body when they hold no bid
			if len(header) == 0 {
				return nil
			}
			select {
			case headers <- header:
				cancel()
			default:
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case header := <-headers:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(header)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// blindedBlockSlot extracts the slot from a signed blinded beacon block.
type blindedBlockSlot struct {
	Message struct {
		Slot string `json:"slot"`
	} `json:"message"`
}

// handleBlindedBlock exchanges the blinded block for the full payload, then
// refuses to reveal it when it violates the slot's constraints.
func (s *Server) handleBlindedBlock(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	var blinded blindedBlockSlot
	if err := json.Unmarshal(body, &blinded); err != nil {
		http.Error(w, "invalid blinded block", http.StatusBadRequest)
		return
	}
	slotNum, err := strconv.ParseUint(blinded.Message.Slot, 10, 64)
	if err != nil {
		http.Error(w, "invalid blinded block slot", http.StatusBadRequest)
		return
	}
	slot := preconf.Slot(slotNum)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	var payload *preconf.VersionedPayloadResponse
	for _, client := range s.gateway.Clients() {
		payload, err = client.SubmitBlindedBlock(ctx, body)
		if err == nil {
			break
		}
		s.log.Debug().Err(err).Str("relay", client.Name()).Msg("no payload from relay")
	}
	if payload == nil {
		http.Error(w, "no payload available", http.StatusBadGateway)
		return
	}

	execution, err := payload.ExecutionPayload()
	if err != nil {
		s.log.Error().Err(err).Msg("could not decode execution payload")
		http.Error(w, "invalid payload from relay", http.StatusBadGateway)
		return
	}

	if set, ok := s.store.ConstraintSet(slot); ok {
		report := s.gateway.ValidatePayload(execution, set)
		if !report.Satisfied {
			s.log.Error().
				Uint64("slot", slotNum).
				Int("missing", len(report.Missing)).
				Int("out_of_order", len(report.OutOfOrder)).
				Msg("refusing payload that violates constraints")
			http.Error(w, ErrConstraintsViolated.Error(), http.StatusBadGateway)
			return
		}
	}

	if s.observer != nil {
		s.observer.OnBlockObserved(slot, execution.TxHashes())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("could not write payload response")
	}
}
