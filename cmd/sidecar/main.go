// Command sidecar runs the preconfirmation sidecar: the public intake API,
// the per-slot constraint aggregation pipeline, and the builder API proxy
// that enforces the published constraints.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/interstate-labs/sidecar/engine/preconf/admission"
	"github.com/interstate-labs/sidecar/engine/preconf/aggregator"
	"github.com/interstate-labs/sidecar/engine/preconf/builderapi"
	"github.com/interstate-labs/sidecar/engine/preconf/coordinator"
	"github.com/interstate-labs/sidecar/engine/preconf/relay"
	"github.com/interstate-labs/sidecar/engine/preconf/rest"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module/component"
	"github.com/interstate-labs/sidecar/module/irrecoverable"
	"github.com/interstate-labs/sidecar/module/mempool/stdmap"
	"github.com/interstate-labs/sidecar/module/metrics"
	"github.com/interstate-labs/sidecar/module/signer"
	"github.com/interstate-labs/sidecar/module/slotclock"
	"github.com/interstate-labs/sidecar/module/util"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg := defaultConfig()

	cmd := &cobra.Command{
		Use:          "sidecar",
		Short:        "preconfirmation sidecar",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return cfg.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cfg)
		},
	}
	registerFlags(cmd.Flags(), &cfg)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Info().Str("chain_id", cfg.chainID().String()).Msg("starting sidecar")

	clock, err := slotclock.New(slotclock.Config{
		GenesisTime:              time.Unix(cfg.GenesisTime, 0).UTC(),
		SlotDuration:             cfg.SlotDuration,
		CommitmentDeadlineOffset: cfg.CommitmentDeadline,
		AggregationLeadTime:      cfg.AggregationLeadTime,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := stdmap.NewCommitments(metrics.NewStoreCollector(registry))
	coord := coordinator.New(log)

	signerClient, err := signer.NewCommitBoostClient(log, signer.Config{
		URL:            cfg.SignerURL,
		JWT:            cfg.SignerJWT,
		RequestTimeout: cfg.SignerTimeout,
		MaxRetries:     cfg.SignerMaxRetries,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pubkey, err := resolvePubkey(ctx, signerClient, cfg.SignerPubkey)
	if err != nil {
		return err
	}
	log.Info().Str("pubkey", pubkey.String()).Msg("constraint signer resolved")

	clients := make([]*relay.Client, 0, len(cfg.Relays))
	for _, entry := range cfg.Relays {
		name, url, err := splitRelay(entry)
		if err != nil {
			return err
		}
		clients = append(clients, relay.NewClient(log, relay.ClientConfig{Name: name, URL: url}))
	}
	gateway, err := relay.NewGateway(log, relay.GatewayConfig{PublishTimeout: cfg.PublishTimeout},
		clients, store, metrics.NewRelayCollector(registry))
	if err != nil {
		return err
	}

	var minTip *big.Int
	if cfg.MinPriorityFeeWei > 0 {
		minTip = new(big.Int).SetUint64(cfg.MinPriorityFeeWei)
	}
	controller, err := admission.NewController(log, admission.Config{
		ChainID:               cfg.chainID(),
		MaxCommitmentsPerSlot: cfg.MaxCommitmentsPerSlot,
		MaxCommittedGas:       cfg.MaxCommittedGas,
		MinPriorityFee:        minTip,
	}, clock, store, coord, pubkey, metrics.NewAdmissionCollector(registry))
	if err != nil {
		return err
	}

	agg := aggregator.New(log, aggregator.Config{
		RetentionSlots:       cfg.RetentionSlots,
		SignerBudgetFraction: cfg.SignerBudgetFraction,
	}, clock, store, coord, signerClient, gateway, pubkey, metrics.NewAggregatorCollector(registry))

	restServer := rest.NewServer(log, rest.Config{
		ListenAddr:     cfg.ListenAddr,
		RateLimit:      cfg.RateLimit,
		AllowedOrigins: cfg.AllowedOrigins,
	}, rest.NewHandler(log, controller, store), registry)

	proxy := builderapi.NewServer(log, builderapi.Config{ListenAddr: cfg.BuilderAddr}, gateway, store, agg)

	metricsServer := newMetricsServer(cfg.MetricsAddr, registry)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	signalerCtx, errChan := irrecoverable.WithSignaler(ctx)
	components := []component.Component{agg, restServer, proxy}
	for _, c := range components {
		c.Start(signalerCtx)
	}

	select {
	case <-util.AllReady(agg, restServer, proxy):
		log.Info().Msg("sidecar ready")
	case err := <-errChan:
		return fmt.Errorf("startup failed: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errChan:
		log.Error().Err(err).Msg("irrecoverable error")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	select {
	case <-util.AllDone(agg, restServer, proxy):
		log.Info().Msg("sidecar stopped")
	case <-time.After(shutdownGrace):
		log.Warn().Msg("shutdown timed out")
	}
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}

// resolvePubkey picks the signing identity: the configured key if the signer
// holds it, otherwise the signer's first key.
func resolvePubkey(ctx context.Context, client *signer.CommitBoostClient, configured string) (preconf.SignerID, error) {
	keys, err := client.Pubkeys(ctx)
	if err != nil {
		return preconf.SignerID{}, fmt.Errorf("could not list signer pubkeys: %w", err)
	}
	if len(keys) == 0 {
		return preconf.SignerID{}, fmt.Errorf("signer holds no consensus keys")
	}
	if configured == "" {
		return keys[0], nil
	}
	want, err := preconf.SignerIDFromHex(configured)
	if err != nil {
		return preconf.SignerID{}, fmt.Errorf("invalid signer-pubkey: %w", err)
	}
	for _, key := range keys {
		if key == want {
			return key, nil
		}
	}
	return preconf.SignerID{}, fmt.Errorf("signer does not hold configured pubkey %s", want)
}

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: router}
}
