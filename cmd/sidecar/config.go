package main

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// config is the full sidecar configuration, populated from flags, environment
// variables (SIDECAR_ prefix) and an optional config file, in that order of
// precedence.
type config struct {
	LogLevel string

	ListenAddr     string
	BuilderAddr    string
	MetricsAddr    string
	AllowedOrigins []string
	RateLimit      float64

	ChainID               uint64
	GenesisTime           int64
	SlotDuration          time.Duration
	CommitmentDeadline    time.Duration
	AggregationLeadTime   time.Duration
	MaxCommitmentsPerSlot int
	MaxCommittedGas       uint64
	MinPriorityFeeWei     uint64
	RetentionSlots        uint64

	SignerURL            string
	SignerJWT            string
	SignerTimeout        time.Duration
	SignerMaxRetries     uint64
	SignerPubkey         string
	SignerBudgetFraction float64

	Relays         []string
	PublishTimeout time.Duration
}

func defaultConfig() config {
	return config{
		LogLevel:              "info",
		ListenAddr:            ":9061",
		BuilderAddr:           ":18550",
		MetricsAddr:           ":9091",
		RateLimit:             100,
		ChainID:               1,
		SlotDuration:          12 * time.Second,
		CommitmentDeadline:    8 * time.Second,
		AggregationLeadTime:   6 * time.Second,
		MaxCommitmentsPerSlot: 128,
		MaxCommittedGas:       10_000_000,
		RetentionSlots:        64,
		SignerTimeout:         2 * time.Second,
		SignerMaxRetries:      3,
		SignerBudgetFraction:  0.5,
		PublishTimeout:        3 * time.Second,
	}
}

func registerFlags(flags *pflag.FlagSet, cfg *config) {
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum log level (trace|debug|info|warn|error)")

	flags.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address of the preconfirmation intake API")
	flags.StringVar(&cfg.BuilderAddr, "builder-addr", cfg.BuilderAddr, "address of the builder API proxy")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address of the metrics endpoint")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "CORS allow-list for the intake API")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "sustained intake requests per second")

	flags.Uint64Var(&cfg.ChainID, "chain-id", cfg.ChainID, "execution chain id committed transactions must target")
	flags.Int64Var(&cfg.GenesisTime, "genesis-time", cfg.GenesisTime, "unix timestamp of slot 0")
	flags.DurationVar(&cfg.SlotDuration, "slot-duration", cfg.SlotDuration, "length of one slot")
	flags.DurationVar(&cfg.CommitmentDeadline, "commitment-deadline", cfg.CommitmentDeadline, "how long before slot start admission closes")
	flags.DurationVar(&cfg.AggregationLeadTime, "aggregation-lead-time", cfg.AggregationLeadTime, "how long before slot start constraints are signed and published")
	flags.IntVar(&cfg.MaxCommitmentsPerSlot, "max-commitments", cfg.MaxCommitmentsPerSlot, "maximum commitments admitted per slot")
	flags.Uint64Var(&cfg.MaxCommittedGas, "max-committed-gas", cfg.MaxCommittedGas, "maximum total gas committed per slot")
	flags.Uint64Var(&cfg.MinPriorityFeeWei, "min-priority-fee", cfg.MinPriorityFeeWei, "minimum tip per gas in wei (0 disables the check)")
	flags.Uint64Var(&cfg.RetentionSlots, "retention-slots", cfg.RetentionSlots, "how many past slots to retain before pruning")

	flags.StringVar(&cfg.SignerURL, "signer-url", cfg.SignerURL, "URL of the commit-boost signer service")
	flags.StringVar(&cfg.SignerJWT, "signer-jwt", cfg.SignerJWT, "JWT authenticating against the signer service")
	flags.DurationVar(&cfg.SignerTimeout, "signer-timeout", cfg.SignerTimeout, "timeout per signing attempt")
	flags.Uint64Var(&cfg.SignerMaxRetries, "signer-max-retries", cfg.SignerMaxRetries, "signing attempts before a slot is left unsigned")
	flags.StringVar(&cfg.SignerPubkey, "signer-pubkey", cfg.SignerPubkey, "hex BLS pubkey to sign with (defaults to the signer's first key)")
	flags.Float64Var(&cfg.SignerBudgetFraction, "signer-budget-fraction", cfg.SignerBudgetFraction, "share of the remaining slot budget a signing call may consume")

	flags.StringSliceVar(&cfg.Relays, "relays", cfg.Relays, "relay endpoints as name=url pairs")
	flags.DurationVar(&cfg.PublishTimeout, "publish-timeout", cfg.PublishTimeout, "total window for one constraint publication fan-out")
}

// loadConfig layers environment variables over flag values.
func loadConfig(flags *pflag.FlagSet, cfg *config) error {
	v := viper.New()
	v.SetEnvPrefix("SIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("could not bind flags: %w", err)
	}

	var errs []string
	flags.VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed && v.IsSet(flag.Name) {
			if err := flags.Set(flag.Name, v.GetString(flag.Name)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %s", flag.Name, err))
			}
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c config) validate() error {
	if c.SignerURL == "" {
		return fmt.Errorf("signer-url is required")
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay is required")
	}
	if c.GenesisTime <= 0 {
		return fmt.Errorf("genesis-time is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain-id must be non-zero")
	}
	if c.SignerBudgetFraction <= 0 || c.SignerBudgetFraction > 1 {
		return fmt.Errorf("signer-budget-fraction must be in (0, 1]")
	}
	if c.CommitmentDeadline < c.AggregationLeadTime {
		return fmt.Errorf("commitment-deadline (%s before slot start) must not be later than aggregation-lead-time (%s)",
			c.CommitmentDeadline, c.AggregationLeadTime)
	}
	for _, entry := range c.Relays {
		if _, _, err := splitRelay(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c config) chainID() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}

// splitRelay parses a name=url relay entry; a bare URL names itself.
func splitRelay(entry string) (name, url string, err error) {
	parts := strings.SplitN(entry, "=", 2)
	if len(parts) == 2 {
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid relay entry %q, want name=url", entry)
		}
		return parts[0], parts[1], nil
	}
	if entry == "" {
		return "", "", fmt.Errorf("empty relay entry")
	}
	return entry, entry, nil
}
