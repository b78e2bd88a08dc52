package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// EnvVar selects the deployment environment label and overrides `env`.
const EnvVar = "MIGRATORD_ENV"

const (
	BridgeLoopback = "loopback"
	BridgeRelayer  = "relayer"

	MarketLedger = "ledger"
	MarketRPC    = "rpc"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for migratord.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	Database      string             `yaml:"database" toml:"database"`
	Environment   string             `yaml:"env" toml:"env"`
	Log           LogConfig          `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
	Orchestrator  OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Recovery      RecoveryConfig     `yaml:"recovery" toml:"recovery"`
	Chains        []ChainConfig      `yaml:"chains" toml:"chains"`
	Markets       []MarketConfig     `yaml:"markets" toml:"markets"`
	Buffer        []BufferPoolConfig `yaml:"buffer" toml:"buffer"`
	Bridge        BridgeConfig       `yaml:"bridge" toml:"bridge"`
	Auth          AuthConfig         `yaml:"auth" toml:"auth"`
}

// LogConfig controls log verbosity and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	// SampleRatio is the fraction of root traces kept; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// OrchestratorConfig tunes the worker pool.
type OrchestratorConfig struct {
	Workers            int      `yaml:"workers" toml:"workers"`
	QueueSize          int      `yaml:"queue_size" toml:"queue_size"`
	RescanInterval     Duration `yaml:"rescan_interval" toml:"rescan_interval"`
	SettlementDeadline Duration `yaml:"settlement_deadline" toml:"settlement_deadline"`
}

// RecoveryConfig tunes the watchdog.
type RecoveryConfig struct {
	Interval   Duration `yaml:"interval" toml:"interval"`
	StallAfter Duration `yaml:"stall_after" toml:"stall_after"`
	OutboxPath string   `yaml:"outbox" toml:"outbox"`
}

// ChainConfig declares a supported chain and the custody account holding
// in-flight funds on it.
type ChainConfig struct {
	ID      uint64 `yaml:"id" toml:"id"`
	Name    string `yaml:"name" toml:"name"`
	Custody string `yaml:"custody" toml:"custody"`
}

// MarketConfig declares a lending market deployment.
type MarketConfig struct {
	Chain   uint64 `yaml:"chain" toml:"chain"`
	Address string `yaml:"address" toml:"address"`
	Kind    string `yaml:"kind" toml:"kind"`
	// Executor settings for rpc markets.
	URL               string   `yaml:"url" toml:"url"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	// Simulation settings for ledger markets.
	MaxLTVBps uint64            `yaml:"max_ltv_bps" toml:"max_ltv_bps"`
	Liquidity map[string]string `yaml:"liquidity" toml:"liquidity"`
	// Prices are unit values used by the max LTV check; unset assets count 1.
	Prices    map[string]string `yaml:"prices" toml:"prices"`
	Positions []PositionConfig  `yaml:"positions" toml:"positions"`
}

// PositionConfig seeds an existing borrower position on a ledger market.
type PositionConfig struct {
	Owner      string `yaml:"owner" toml:"owner"`
	Asset      string `yaml:"asset" toml:"asset"`
	Collateral string `yaml:"collateral" toml:"collateral"`
	DebtAsset  string `yaml:"debt_asset" toml:"debt_asset"`
	Debt       string `yaml:"debt" toml:"debt"`
}

// BufferPoolConfig sets the initial capacity of one pool. Capacity is only
// applied when the pool does not exist yet.
type BufferPoolConfig struct {
	Chain    uint64 `yaml:"chain" toml:"chain"`
	Asset    string `yaml:"asset" toml:"asset"`
	Capacity string `yaml:"capacity" toml:"capacity"`
}

// BridgeConfig selects and configures the bridge transport.
type BridgeConfig struct {
	Kind          string   `yaml:"kind" toml:"kind"`
	URL           string   `yaml:"url" toml:"url"`
	Secret        string   `yaml:"secret" toml:"secret"`
	SecretFile    string   `yaml:"secret_file" toml:"secret_file"`
	SecretEnv     string   `yaml:"secret_env" toml:"secret_env"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	WebhookSkew   Duration `yaml:"webhook_skew" toml:"webhook_skew"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval"`
	// NonceStore is a Bolt file keeping webhook nonces across restarts.
	NonceStore string `yaml:"nonce_store" toml:"nonce_store"`
}

// AuthConfig configures admin JWT verification and intake throttling.
type AuthConfig struct {
	JWTSecret      string          `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretFile  string          `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	JWTSecretEnv   string          `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer         string          `yaml:"issuer" toml:"issuer"`
	Audience       string          `yaml:"audience" toml:"audience"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	IdempotencyTTL Duration        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// RateLimitConfig bounds intake per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		cfg.Environment = env
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database == "" {
		cfg.Database = "/var/data/migratord.sqlite"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.Orchestrator.Workers <= 0 {
		cfg.Orchestrator.Workers = 4
	}
	if cfg.Orchestrator.QueueSize <= 0 {
		cfg.Orchestrator.QueueSize = 1024
	}
	if cfg.Orchestrator.RescanInterval.Duration == 0 {
		cfg.Orchestrator.RescanInterval.Duration = 30 * time.Second
	}
	if cfg.Orchestrator.SettlementDeadline.Duration == 0 {
		cfg.Orchestrator.SettlementDeadline.Duration = 30 * time.Minute
	}
	if cfg.Recovery.Interval.Duration == 0 {
		cfg.Recovery.Interval.Duration = time.Minute
	}
	if cfg.Recovery.StallAfter.Duration == 0 {
		cfg.Recovery.StallAfter.Duration = 15 * time.Minute
	}
	if cfg.Bridge.Kind == "" {
		cfg.Bridge.Kind = BridgeLoopback
	}
	if cfg.Bridge.FlushInterval.Duration == 0 {
		cfg.Bridge.FlushInterval.Duration = time.Second
	}
	if cfg.Bridge.WebhookSkew.Duration == 0 {
		cfg.Bridge.WebhookSkew.Duration = 2 * time.Minute
	}
	for i := range cfg.Markets {
		if cfg.Markets[i].Kind == "" {
			cfg.Markets[i].Kind = MarketLedger
		}
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "migratord"
	}
	if cfg.Auth.RateLimit.RequestsPerSecond <= 0 {
		cfg.Auth.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Auth.RateLimit.Burst <= 0 {
		cfg.Auth.RateLimit.Burst = 10
	}
	if cfg.Auth.IdempotencyTTL.Duration == 0 {
		cfg.Auth.IdempotencyTTL.Duration = 24 * time.Hour
	}
}

func (cfg *Config) resolveSecrets() error {
	secret, err := resolveSecret(cfg.Bridge.Secret, cfg.Bridge.SecretFile, cfg.Bridge.SecretEnv)
	if err != nil {
		return fmt.Errorf("bridge secret: %w", err)
	}
	cfg.Bridge.Secret = secret
	jwtSecret, err := resolveSecret(cfg.Auth.JWTSecret, cfg.Auth.JWTSecretFile, cfg.Auth.JWTSecretEnv)
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}
	cfg.Auth.JWTSecret = jwtSecret
	return nil
}

func resolveSecret(inline, file, env string) (string, error) {
	if v := strings.TrimSpace(inline); v != "" {
		return v, nil
	}
	if path := strings.TrimSpace(file); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	if name := strings.TrimSpace(env); name != "" {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return v, nil
	}
	return "", nil
}

func validate(cfg Config) error {
	if len(cfg.Chains) < 2 {
		return fmt.Errorf("at least two chains must be configured")
	}
	chains := make(map[uint64]struct{}, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if _, dup := chains[chain.ID]; dup {
			return fmt.Errorf("chain %d configured twice", chain.ID)
		}
		if !common.IsHexAddress(chain.Custody) {
			return fmt.Errorf("chain %d: custody must be a hex address", chain.ID)
		}
		chains[chain.ID] = struct{}{}
	}
	if len(cfg.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	for _, market := range cfg.Markets {
		if _, ok := chains[market.Chain]; !ok {
			return fmt.Errorf("market %s: unknown chain %d", market.Address, market.Chain)
		}
		if !common.IsHexAddress(market.Address) {
			return fmt.Errorf("market %q: address must be hex", market.Address)
		}
		switch market.Kind {
		case MarketLedger:
			if cfg.Bridge.Kind != BridgeLoopback {
				return fmt.Errorf("market %s: ledger markets require the loopback bridge", market.Address)
			}
			for asset, amount := range market.Liquidity {
				if !common.IsHexAddress(asset) {
					return fmt.Errorf("market %s: liquidity asset %q must be hex", market.Address, asset)
				}
				if _, err := ParseAmount(amount); err != nil {
					return fmt.Errorf("market %s: liquidity %s: %w", market.Address, asset, err)
				}
			}
			for asset, price := range market.Prices {
				if !common.IsHexAddress(asset) {
					return fmt.Errorf("market %s: price asset %q must be hex", market.Address, asset)
				}
				if _, err := ParseAmount(price); err != nil {
					return fmt.Errorf("market %s: price %s: %w", market.Address, asset, err)
				}
			}
			for i, pos := range market.Positions {
				if err := validatePosition(pos); err != nil {
					return fmt.Errorf("market %s: position %d: %w", market.Address, i, err)
				}
			}
		case MarketRPC:
			if strings.TrimSpace(market.URL) == "" {
				return fmt.Errorf("market %s: rpc markets require url", market.Address)
			}
		default:
			return fmt.Errorf("market %s: unknown kind %q", market.Address, market.Kind)
		}
	}
	for _, pool := range cfg.Buffer {
		if _, ok := chains[pool.Chain]; !ok {
			return fmt.Errorf("buffer pool %s: unknown chain %d", pool.Asset, pool.Chain)
		}
		if !common.IsHexAddress(pool.Asset) {
			return fmt.Errorf("buffer pool %q: asset must be hex", pool.Asset)
		}
		if _, err := ParseAmount(pool.Capacity); err != nil {
			return fmt.Errorf("buffer pool %s: capacity: %w", pool.Asset, err)
		}
	}
	switch cfg.Bridge.Kind {
	case BridgeLoopback:
	case BridgeRelayer:
		if strings.TrimSpace(cfg.Bridge.URL) == "" {
			return fmt.Errorf("bridge.url must be configured for the relayer bridge")
		}
		if cfg.Bridge.Secret == "" {
			return fmt.Errorf("bridge secret must be configured for the relayer bridge")
		}
	default:
		return fmt.Errorf("unknown bridge kind %q", cfg.Bridge.Kind)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret must be configured")
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func validatePosition(pos PositionConfig) error {
	if !common.IsHexAddress(pos.Owner) || !common.IsHexAddress(pos.Asset) {
		return fmt.Errorf("owner and asset must be hex addresses")
	}
	if _, err := ParseAmount(pos.Collateral); err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	if strings.TrimSpace(pos.Debt) == "" {
		return nil
	}
	if !common.IsHexAddress(pos.DebtAsset) {
		return fmt.Errorf("debt_asset must be a hex address")
	}
	if _, err := ParseAmount(pos.Debt); err != nil {
		return fmt.Errorf("debt: %w", err)
	}
	return nil
}

// ParseAmount parses a non-negative base-10 integer amount.
func ParseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}
