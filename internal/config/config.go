package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

const (
	defaultAppName           = "Allowance"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultPollInterval      = 5 * time.Second
	defaultRelayDeadline     = 10 * time.Minute
	defaultHistoryCacheTTL   = 15 * time.Second
	defaultLocalRetention    = 7 * 24 * time.Hour
	defaultCompactInterval   = 10 * time.Minute
	defaultTokenDecimals     = 6
	defaultSendRatePerMin    = 10
	defaultHTTPClientTimeout = 30 * time.Second
	defaultPollSessionTTL    = 30 * time.Minute
	defaultMaxPollSessions   = 1000
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	NATSURL     string

	RPCURL             string
	ChainID            uint64
	FactoryAddress     common.Address
	DelegateAddress    common.Address
	FactoryDeployBlock uint64
	TokenDecimals      int32

	IndexerURL string
	RelayURL   string

	SignerURL         string
	SignerAppID       string
	SignerAccessToken string
	SignerRequestKey  string
	SignerWalletID    string
	GuardianAddress   common.Address

	PollInterval      time.Duration
	PollSessionTTL    time.Duration
	MaxPollSessions   int
	RelayDeadline     time.Duration
	HistoryCacheTTL   time.Duration
	LocalLogRetention time.Duration
	CompactInterval   time.Duration
	HTTPClientTimeout time.Duration
	ShutdownPeriod    time.Duration
	IdempotencyTTL    time.Duration
	SendRatePerMin    int
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		RPCURL:            os.Getenv("RPC_URL"),
		IndexerURL:        os.Getenv("INDEXER_URL"),
		RelayURL:          os.Getenv("RELAY_URL"),
		SignerURL:         os.Getenv("SIGNER_URL"),
		SignerAppID:       os.Getenv("SIGNER_APP_ID"),
		SignerAccessToken: os.Getenv("SIGNER_ACCESS_TOKEN"),
		SignerRequestKey:  os.Getenv("SIGNER_REQUEST_KEY"),
		SignerWalletID:    os.Getenv("SIGNER_WALLET_ID"),
		TokenDecimals:     defaultTokenDecimals,
		SendRatePerMin:    defaultSendRatePerMin,
		MaxPollSessions:   defaultMaxPollSessions,
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.ShutdownPeriod, "SHUTDOWN_TIMEOUT", defaultShutdownDelay},
		{&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", defaultIdempotencyTTL},
		{&cfg.PollInterval, "POLL_INTERVAL", defaultPollInterval},
		{&cfg.PollSessionTTL, "POLL_SESSION_TTL", defaultPollSessionTTL},
		{&cfg.RelayDeadline, "RELAY_DEADLINE", defaultRelayDeadline},
		{&cfg.HistoryCacheTTL, "HISTORY_CACHE_TTL", defaultHistoryCacheTTL},
		{&cfg.LocalLogRetention, "LOCAL_LOG_RETENTION", defaultLocalRetention},
		{&cfg.CompactInterval, "COMPACT_INTERVAL", defaultCompactInterval},
		{&cfg.HTTPClientTimeout, "HTTP_CLIENT_TIMEOUT", defaultHTTPClientTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if cfg.ChainID, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("invalid CHAIN_ID: %w", err)
		}
	}
	if v := os.Getenv("FACTORY_DEPLOY_BLOCK"); v != "" {
		if cfg.FactoryDeployBlock, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("invalid FACTORY_DEPLOY_BLOCK: %w", err)
		}
	}
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TOKEN_DECIMALS: %w", err)
		}
		cfg.TokenDecimals = int32(n)
	}
	if v := os.Getenv("SEND_RATE_LIMIT_PER_MIN"); v != "" {
		if cfg.SendRatePerMin, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid SEND_RATE_LIMIT_PER_MIN: %w", err)
		}
	}
	if v := os.Getenv("POLL_MAX_SESSIONS"); v != "" {
		if cfg.MaxPollSessions, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid POLL_MAX_SESSIONS: %w", err)
		}
	}
	if cfg.FactoryAddress, err = addressEnv("FACTORY_ADDRESS"); err != nil {
		return Config{}, err
	}
	if cfg.DelegateAddress, err = addressEnv("DELEGATE_ADDRESS"); err != nil {
		return Config{}, err
	}
	if cfg.SignerURL != "" {
		if cfg.GuardianAddress, err = addressEnv("GUARDIAN_ADDRESS"); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	required := map[string]string{
		"RPC_URL":     c.RPCURL,
		"INDEXER_URL": c.IndexerURL,
		"RELAY_URL":   c.RelayURL,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID must be set")
	}
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
		}
	}
	return nil
}

// IsDev reports whether in-memory fallbacks are acceptable.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// RemoteSignerEnabled reports whether guardian management calls can be signed.
func (c Config) RemoteSignerEnabled() bool {
	return c.SignerURL != "" && c.SignerWalletID != "" && c.GuardianAddress != (common.Address{})
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv accepts KEY_SECONDS as an integer or KEY as a Go duration string.
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func addressEnv(key string) (common.Address, error) {
	v := os.Getenv(key)
	if v == "" {
		return common.Address{}, fmt.Errorf("%s must be set", key)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid %s: %q is not a hex address", key, v)
	}
	return common.HexToAddress(v), nil
}
