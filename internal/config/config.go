// Package config defines all configuration for the dump-and-hedge trading
// bot. Config is loaded from a YAML file (default: configs/config.yaml)
// with the environment variables named in the external-interfaces contract
// overriding specific fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun       bool               `mapstructure:"dry_run"`
	AutoMode     bool               `mapstructure:"auto_mode"`
	Wallet       WalletConfig       `mapstructure:"wallet"`
	API          APIConfig          `mapstructure:"api"`
	Round        RoundConfig        `mapstructure:"round"`
	Dump         DumpConfig         `mapstructure:"dump"`
	Hedge        HedgeConfig        `mapstructure:"hedge"`
	StateMachine StateMachineConfig `mapstructure:"state_machine"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// WalletConfig holds the Ethereum wallet used for signing live orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the live OrderClient derives them
// via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string          `mapstructure:"clob_base_url"`
	GammaBaseURL string          `mapstructure:"gamma_base_url"`
	WSURL        string          `mapstructure:"ws_url"`
	ApiKey       string          `mapstructure:"api_key"`
	Secret       string          `mapstructure:"secret"`
	Passphrase   string          `mapstructure:"passphrase"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig tunes the token buckets guarding the order/cancel/book
// endpoint categories. Any field left at zero falls back to this venue's
// published limits (see orderclient.NewRateLimiter).
type RateLimitConfig struct {
	OrderBurst   float64 `mapstructure:"order_burst"`
	OrderPerSec  float64 `mapstructure:"order_per_sec"`
	CancelBurst  float64 `mapstructure:"cancel_burst"`
	CancelPerSec float64 `mapstructure:"cancel_per_sec"`
	BookBurst    float64 `mapstructure:"book_burst"`
	BookPerSec   float64 `mapstructure:"book_per_sec"`
}

// RoundConfig controls round discovery and the static fallback.
//
//   - ConditionID, if set, names a pre-configured round. With AutoDiscover
//     off it is pinned at startup (static mode, §4.2 "Static mode (fallback)");
//     with AutoDiscover on it is pinned only if discovery yields no current
//     round within the 5s startup wait, and the discovery poller keeps running.
//   - AutoDiscover enables the discovery poller (--no-auto-discover clears it).
//   - Keywords are joined into the market-search query. They are not checked
//     against a candidate's question/slug; acceptance uses only the fixed
//     bitcoin/up+down checks.
//   - DiscoveryInterval is the discovery poll period (spec default 10s).
type RoundConfig struct {
	ConditionID       string        `mapstructure:"condition_id"`
	AutoDiscover      bool          `mapstructure:"auto_discover"`
	Keywords          []string      `mapstructure:"keywords"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

// DumpConfig tunes the DumpDetector (§4.3).
//
//   - MovePct: drop fraction (e.g. 0.15) that triggers a signal.
//   - WindowMs: full monitoring horizon in ms from round start.
//   - DetectionWindowMs: sub-window within which the drop must occur.
type DumpConfig struct {
	MovePct           float64       `mapstructure:"move_pct"`
	WindowMs          int64         `mapstructure:"window_ms"`
	DetectionWindowMs int64         `mapstructure:"detection_window_ms"`
}

// HedgeConfig tunes HedgeStrategy (§4.4).
type HedgeConfig struct {
	SumTarget      float64 `mapstructure:"sum_target"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	SharesPerTrade float64 `mapstructure:"shares_per_trade"`
	MaxOrderUSDC   float64 `mapstructure:"max_order_usdc"`
}

// StateMachineConfig holds the per-state timeout policy (§4.5) plus the
// inter-cycle cooldown observed after a terminal-state reset.
type StateMachineConfig struct {
	Leg1PendingTimeout time.Duration `mapstructure:"leg1_pending_timeout"`
	Leg1FilledTimeout  time.Duration `mapstructure:"leg1_filled_timeout"`
	Leg2PendingTimeout time.Duration `mapstructure:"leg2_pending_timeout"`
	CooldownAfterReset time.Duration `mapstructure:"cooldown_after_reset"`
}

// StoreConfig sets where the reference CycleSink persists cycle records.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus /metrics + /health HTTP surface
// that stands in for the out-of-scope dashboard UI.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file, then applies the environment
// variable overrides named in the external-interfaces contract.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides mirrors the teacher's "override sensitive fields from
// env" pattern, generalized to every environment variable the external
// interfaces contract names.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDITION_ID"); v != "" {
		cfg.Round.ConditionID = v
	}
	if v := os.Getenv("CLOB_API_URL"); v != "" {
		cfg.API.CLOBBaseURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.API.WSURL = v
	}
	if v := os.Getenv("GAMMA_API_URL"); v != "" {
		cfg.API.GammaBaseURL = v
	}
	if v := os.Getenv("MOVE_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Dump.MovePct = f
		}
	}
	if v := os.Getenv("WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Dump.WindowMs = n
		}
	}
	if v := os.Getenv("SUM_TARGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Hedge.SumTarget = f
		}
	}
	if v := os.Getenv("MAX_ORDER_USDC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Hedge.MaxOrderUSDC = f
		}
	}
	if v := os.Getenv("COOLDOWN_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.StateMachine.CooldownAfterReset = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}
	if v := os.Getenv("BUILDER_API_KEY"); v != "" {
		cfg.API.ApiKey = v
	}
	if v := os.Getenv("BUILDER_API_SECRET"); v != "" {
		cfg.API.Secret = v
	}
	if v := os.Getenv("BUILDER_API_PASSPHRASE"); v != "" {
		cfg.API.Passphrase = v
	}
}

// Validate checks required fields and value ranges before the engine starts.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required when dry_run is false")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
		}
		switch c.Wallet.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
		}
		if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
			return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
		}
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if c.Round.ConditionID == "" && !c.Round.AutoDiscover {
		return fmt.Errorf("round.condition_id is required when round.auto_discover is false")
	}
	if c.Round.AutoDiscover && c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required when round.auto_discover is true")
	}
	if c.Dump.MovePct <= 0 || c.Dump.MovePct >= 1 {
		return fmt.Errorf("dump.move_pct must be in (0,1)")
	}
	if c.Dump.WindowMs <= 0 {
		return fmt.Errorf("dump.window_ms must be > 0")
	}
	if c.Dump.DetectionWindowMs <= 0 {
		return fmt.Errorf("dump.detection_window_ms must be > 0")
	}
	if c.Hedge.SumTarget <= 0 || c.Hedge.SumTarget > 1 {
		return fmt.Errorf("hedge.sum_target must be in (0,1]")
	}
	if c.Hedge.SharesPerTrade <= 0 {
		return fmt.Errorf("hedge.shares_per_trade must be > 0")
	}
	if c.Hedge.MaxOrderUSDC <= 0 {
		return fmt.Errorf("hedge.max_order_usdc must be > 0")
	}
	return nil
}
