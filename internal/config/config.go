package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalFlags carries the raw persistent flag values before merging.
type GlobalFlags struct {
	ConfigPath   string
	RPCURL       string
	LogLevel     string
	Timeout      string
	Retries      int
	LedgerPath   string
	DryRun       bool
	SessionID    string
	SpeedTier    string
	MaxFeeGwei   float64
	StaticSlipBp int64
}

type Settings struct {
	RPCURL      string
	ZapContract string
	WETHAddress string

	OracleURL    string
	OracleAPIKey string

	SpeedTier          string
	GasMultiplier      float64
	MaxFeeGwei         float64
	MinPriorityFeeGwei float64
	StaticGasGwei      float64
	GasQuoteTTL        time.Duration
	ZapInGasLimit      uint64
	ZapOutGasLimit     uint64

	DynamicSlippage bool
	MinSlippageBps  int64
	MaxSlippageBps  int64
	StaticSlipBps   int64

	LedgerPath     string
	LedgerLockPath string

	WatchInterval time.Duration
	Timeout       time.Duration
	Retries       int
	LogLevel      string
	DryRun        bool
}

type fileConfig struct {
	RPCURL      string `yaml:"rpc_url"`
	ZapContract string `yaml:"zap_contract"`
	WETHAddress string `yaml:"weth_address"`
	LogLevel    string `yaml:"log_level"`
	Timeout     string `yaml:"timeout"`
	Retries     *int   `yaml:"retries"`
	Oracle      struct {
		URL       string `yaml:"url"`
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"oracle"`
	Gas struct {
		SpeedTier          string   `yaml:"speed_tier"`
		Multiplier         *float64 `yaml:"multiplier"`
		MaxFeeGwei         *float64 `yaml:"max_fee_gwei"`
		MinPriorityFeeGwei *float64 `yaml:"min_priority_fee_gwei"`
		StaticGwei         *float64 `yaml:"static_gwei"`
		QuoteTTL           string   `yaml:"quote_ttl"`
		ZapInGasLimit      *uint64  `yaml:"zap_in_gas_limit"`
		ZapOutGasLimit     *uint64  `yaml:"zap_out_gas_limit"`
	} `yaml:"gas"`
	Slippage struct {
		Dynamic   *bool  `yaml:"dynamic"`
		MinBps    *int64 `yaml:"min_bps"`
		MaxBps    *int64 `yaml:"max_bps"`
		StaticBps *int64 `yaml:"static_bps"`
	} `yaml:"slippage"`
	Ledger struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"ledger"`
	Watch struct {
		Interval string `yaml:"interval"`
	} `yaml:"watch"`
}

const (
	defaultOracleURL = "https://api.etherscan.io/api"
	defaultWETH      = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
)

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}
	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	return settings, validate(settings)
}

func defaultSettings() (Settings, error) {
	ledgerPath, lockPath, err := defaultLedgerPaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OracleURL:          defaultOracleURL,
		WETHAddress:        defaultWETH,
		SpeedTier:          "standard",
		GasMultiplier:      1.0,
		MaxFeeGwei:         300,
		MinPriorityFeeGwei: 1,
		StaticGasGwei:      30,
		GasQuoteTTL:        8 * time.Second,
		ZapInGasLimit:      400_000,
		ZapOutGasLimit:     450_000,
		DynamicSlippage:    true,
		MinSlippageBps:     50,
		MaxSlippageBps:     4900,
		StaticSlipBps:      100,
		LedgerPath:         ledgerPath,
		LedgerLockPath:     lockPath,
		WatchInterval:      12 * time.Second,
		Timeout:            10 * time.Second,
		Retries:            2,
		LogLevel:           "info",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "zapper", "config.yaml"), nil
}

func defaultLedgerPaths() (string, string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "zapper")
	return filepath.Join(dir, "positions.db"), filepath.Join(dir, "positions.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.RPCURL != "" {
		settings.RPCURL = cfg.RPCURL
	}
	if cfg.ZapContract != "" {
		settings.ZapContract = cfg.ZapContract
	}
	if cfg.WETHAddress != "" {
		settings.WETHAddress = cfg.WETHAddress
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Oracle.URL != "" {
		settings.OracleURL = cfg.Oracle.URL
	}
	if cfg.Oracle.APIKey != "" {
		settings.OracleAPIKey = cfg.Oracle.APIKey
	}
	if cfg.Oracle.APIKeyEnv != "" {
		settings.OracleAPIKey = os.Getenv(cfg.Oracle.APIKeyEnv)
	}
	if cfg.Gas.SpeedTier != "" {
		settings.SpeedTier = strings.ToLower(cfg.Gas.SpeedTier)
	}
	if cfg.Gas.Multiplier != nil {
		settings.GasMultiplier = *cfg.Gas.Multiplier
	}
	if cfg.Gas.MaxFeeGwei != nil {
		settings.MaxFeeGwei = *cfg.Gas.MaxFeeGwei
	}
	if cfg.Gas.MinPriorityFeeGwei != nil {
		settings.MinPriorityFeeGwei = *cfg.Gas.MinPriorityFeeGwei
	}
	if cfg.Gas.StaticGwei != nil {
		settings.StaticGasGwei = *cfg.Gas.StaticGwei
	}
	if cfg.Gas.QuoteTTL != "" {
		d, err := time.ParseDuration(cfg.Gas.QuoteTTL)
		if err != nil {
			return fmt.Errorf("config gas.quote_ttl: %w", err)
		}
		settings.GasQuoteTTL = d
	}
	if cfg.Gas.ZapInGasLimit != nil {
		settings.ZapInGasLimit = *cfg.Gas.ZapInGasLimit
	}
	if cfg.Gas.ZapOutGasLimit != nil {
		settings.ZapOutGasLimit = *cfg.Gas.ZapOutGasLimit
	}
	if cfg.Slippage.Dynamic != nil {
		settings.DynamicSlippage = *cfg.Slippage.Dynamic
	}
	if cfg.Slippage.MinBps != nil {
		settings.MinSlippageBps = *cfg.Slippage.MinBps
	}
	if cfg.Slippage.MaxBps != nil {
		settings.MaxSlippageBps = *cfg.Slippage.MaxBps
	}
	if cfg.Slippage.StaticBps != nil {
		settings.StaticSlipBps = *cfg.Slippage.StaticBps
	}
	if cfg.Ledger.Path != "" {
		settings.LedgerPath = cfg.Ledger.Path
	}
	if cfg.Ledger.LockPath != "" {
		settings.LedgerLockPath = cfg.Ledger.LockPath
	}
	if cfg.Watch.Interval != "" {
		d, err := time.ParseDuration(cfg.Watch.Interval)
		if err != nil {
			return fmt.Errorf("config watch.interval: %w", err)
		}
		settings.WatchInterval = d
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("ZAPPER_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("ZAPPER_ZAP_CONTRACT"); v != "" {
		settings.ZapContract = v
	}
	if v := os.Getenv("ZAPPER_ORACLE_URL"); v != "" {
		settings.OracleURL = v
	}
	if v := os.Getenv("ZAPPER_ORACLE_API_KEY"); v != "" {
		settings.OracleAPIKey = v
	}
	if v := os.Getenv("ZAPPER_SPEED_TIER"); v != "" {
		settings.SpeedTier = strings.ToLower(v)
	}
	if v := os.Getenv("ZAPPER_MAX_FEE_GWEI"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.MaxFeeGwei = f
		}
	}
	if v := os.Getenv("ZAPPER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("ZAPPER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("ZAPPER_LEDGER_PATH"); v != "" {
		settings.LedgerPath = v
	}
	if v := os.Getenv("ZAPPER_LEDGER_LOCK_PATH"); v != "" {
		settings.LedgerLockPath = v
	}
	if v := os.Getenv("ZAPPER_WATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.WatchInterval = d
		}
	}
	if v := os.Getenv("ZAPPER_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("ZAPPER_DYNAMIC_SLIPPAGE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.DynamicSlippage = b
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = strings.TrimSpace(flags.RPCURL)
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.LogLevel = strings.ToLower(strings.TrimSpace(flags.LogLevel))
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if strings.TrimSpace(flags.LedgerPath) != "" {
		settings.LedgerPath = flags.LedgerPath
		settings.LedgerLockPath = flags.LedgerPath + ".lock"
	}
	if strings.TrimSpace(flags.SpeedTier) != "" {
		settings.SpeedTier = strings.ToLower(strings.TrimSpace(flags.SpeedTier))
	}
	if flags.MaxFeeGwei > 0 {
		settings.MaxFeeGwei = flags.MaxFeeGwei
	}
	if flags.StaticSlipBp > 0 {
		settings.StaticSlipBps = flags.StaticSlipBp
		settings.DynamicSlippage = false
	}
	settings.DryRun = flags.DryRun
	return nil
}

func validate(s Settings) error {
	switch s.SpeedTier {
	case "safe", "standard", "fast", "instant":
	default:
		return fmt.Errorf("gas speed tier must be one of safe|standard|fast|instant, got %q", s.SpeedTier)
	}
	if s.GasMultiplier <= 0 {
		return fmt.Errorf("gas multiplier must be positive")
	}
	if s.MaxFeeGwei <= 0 {
		return fmt.Errorf("max fee ceiling must be positive")
	}
	if s.MinSlippageBps < 0 || s.MaxSlippageBps <= 0 || s.MinSlippageBps > s.MaxSlippageBps {
		return fmt.Errorf("slippage bounds invalid: min=%d max=%d", s.MinSlippageBps, s.MaxSlippageBps)
	}
	if s.StaticSlipBps <= 0 || s.StaticSlipBps >= 10000 {
		return fmt.Errorf("static slippage must be in (0, 10000) bps")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if s.WatchInterval <= 0 {
		return fmt.Errorf("watch interval must be positive")
	}
	return nil
}
