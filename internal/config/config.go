package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config holds all configuration for the agent
type Config struct {
	LogLevel           string
	Account            AccountConfig
	BaseChain          BaseChainConfig
	Chains             map[string]ChainConfig
	FillWaitTime       uint64 // seconds to wait before challenging an unseen fill
	UnsafeFillTime     uint64 // seconds before expiry after which no fill is attempted
	Tokens             []TokenClass
	MetricsPort        int
	DeploymentDir      string
	AllowUnlistedPairs bool
	Relayer            RelayerConfig
	Journal            DatabaseConfig
}

// AccountConfig locates the agent key. A keystore file takes precedence over
// a raw private key.
type AccountConfig struct {
	Path       string
	Password   string
	PrivateKey string
}

// BaseChainConfig holds the L1 endpoint
type BaseChainConfig struct {
	RPCURL string
}

// ChainConfig holds configuration for an EVM rollup
type ChainConfig struct {
	Name               string
	ChainID            uint64
	RPCURL             string
	MinSourceBalance   *big.Int // wei
	ConfirmationBlocks uint64
	PollPeriod         time.Duration
}

// TokenEntry is one member of a token equivalence class. An empty Allowance
// means unbounded; "-1" means 2^256-1.
type TokenEntry struct {
	ChainID   uint64
	Address   string
	Allowance string
}

// TokenClass lists tokens that are bridged one to one.
type TokenClass struct {
	Symbol  string
	Members []TokenEntry
}

// RelayerConfig holds the path of the relayer binary
type RelayerConfig struct {
	Path string
}

// DatabaseConfig holds PostgreSQL configuration for the transaction journal
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

const (
	DefaultConfirmationBlocks = 0
	DefaultPollPeriod         = 5 * time.Second
	DefaultFillWaitTime       = 120
	DefaultUnsafeFillTime     = 600
)

// LoadConfig reads the TOML file at path (optional), a .env file in the
// working directory (optional) and AGENT_* environment variables, in that
// order of increasing precedence.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("fill_wait_time", DefaultFillWaitTime)
	v.SetDefault("unsafe_fill_time", DefaultUnsafeFillTime)
	v.SetDefault("deployment_dir", "deployments")
	v.SetDefault("relayer.path", "beamer-relayer")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.sslmode", "disable")

	if path == "" {
		path = getEnv("AGENT_CONFIG", "")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		LogLevel: v.GetString("log_level"),
		Account: AccountConfig{
			Path:       v.GetString("account.path"),
			Password:   v.GetString("account.password"),
			PrivateKey: v.GetString("account.private_key"),
		},
		BaseChain: BaseChainConfig{
			RPCURL: v.GetString("base_chain.rpc_url"),
		},
		FillWaitTime:       v.GetUint64("fill_wait_time"),
		UnsafeFillTime:     v.GetUint64("unsafe_fill_time"),
		MetricsPort:        v.GetInt("metrics_port"),
		DeploymentDir:      v.GetString("deployment_dir"),
		AllowUnlistedPairs: v.GetBool("allow_unlisted_pairs") || getEnv("BEAMER_ALLOW_UNLISTED_PAIRS", "") != "",
		Relayer: RelayerConfig{
			Path: v.GetString("relayer.path"),
		},
		Journal: DatabaseConfig{
			Enabled:  v.GetBool("journal.enabled"),
			Host:     v.GetString("journal.host"),
			Port:     v.GetInt("journal.port"),
			User:     v.GetString("journal.user"),
			Password: v.GetString("journal.password"),
			DBName:   v.GetString("journal.dbname"),
			SSLMode:  v.GetString("journal.sslmode"),
		},
		Chains: make(map[string]ChainConfig),
	}

	if err := loadChainConfigs(v, cfg); err != nil {
		return nil, err
	}

	tokens, err := parseTokens(v.Get("tokens"))
	if err != nil {
		return nil, err
	}
	cfg.Tokens = tokens

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainConfigs reads every [chains.<name>] table
func loadChainConfigs(v *viper.Viper, cfg *Config) error {
	for name := range v.GetStringMap("chains") {
		prefix := "chains." + name + "."

		minBalance := new(big.Int)
		if raw := v.GetString(prefix + "min_source_balance"); raw != "" {
			if _, ok := minBalance.SetString(raw, 10); !ok {
				return fmt.Errorf("chain %s: invalid min_source_balance %q", name, raw)
			}
		}

		pollPeriod := DefaultPollPeriod
		if v.IsSet(prefix + "poll_period") {
			pollPeriod = time.Duration(v.GetFloat64(prefix+"poll_period") * float64(time.Second))
		}

		cfg.Chains[name] = ChainConfig{
			Name:               name,
			ChainID:            v.GetUint64(prefix + "chain_id"),
			RPCURL:             v.GetString(prefix + "rpc_url"),
			MinSourceBalance:   minBalance,
			ConfirmationBlocks: v.GetUint64(prefix + "confirmation_blocks"),
			PollPeriod:         pollPeriod,
		}
	}
	return nil
}

// parseTokens reads the equivalence table:
//
//	[tokens]
//	USDC = [[10, "0x...", "-1"], [42161, "0x..."]]
func parseTokens(raw interface{}) ([]TokenClass, error) {
	if raw == nil {
		return nil, nil
	}
	table, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tokens: expected a table, got %T", raw)
	}

	symbols := make([]string, 0, len(table))
	for symbol := range table {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	classes := make([]TokenClass, 0, len(table))
	for _, symbol := range symbols {
		rows, ok := table[symbol].([]interface{})
		if !ok {
			return nil, fmt.Errorf("tokens.%s: expected a list", symbol)
		}
		class := TokenClass{Symbol: symbol}
		for i, row := range rows {
			fields, ok := row.([]interface{})
			if !ok || len(fields) < 2 || len(fields) > 3 {
				return nil, fmt.Errorf("tokens.%s[%d]: expected [chain_id, address, allowance?]", symbol, i)
			}
			chainID, err := toUint64(fields[0])
			if err != nil {
				return nil, fmt.Errorf("tokens.%s[%d]: chain id: %w", symbol, i, err)
			}
			address, ok := fields[1].(string)
			if !ok {
				return nil, fmt.Errorf("tokens.%s[%d]: address must be a string", symbol, i)
			}
			entry := TokenEntry{ChainID: chainID, Address: address}
			if len(fields) == 3 {
				entry.Allowance = fmt.Sprint(fields[2])
			}
			class.Members = append(class.Members, entry)
		}
		classes = append(classes, class)
	}
	return classes, nil
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		return uint64(n), nil
	case string:
		return strconv.ParseUint(n, 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs error

	if c.Account.Path == "" && c.Account.PrivateKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("account.path or account.private_key is required"))
	}

	if c.BaseChain.RPCURL == "" {
		errs = multierr.Append(errs, fmt.Errorf("base_chain.rpc_url is required"))
	}

	if len(c.Chains) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one chain must be configured"))
	}

	for name, chain := range c.Chains {
		if chain.RPCURL == "" {
			errs = multierr.Append(errs, fmt.Errorf("chain %s: rpc_url is required", name))
		}
		if chain.PollPeriod <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("chain %s: poll_period must be positive", name))
		}
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("invalid metrics port: %d", c.MetricsPort))
	}

	if c.Journal.Enabled && c.Journal.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("journal.host is required when the journal is enabled"))
	}

	return errs
}

// ChainNames returns the configured chain names in a stable order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
