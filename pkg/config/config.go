package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Verification VerificationConfig `mapstructure:"verification"`
	Arbitration  ArbitrationConfig  `mapstructure:"arbitration"`
	Randomness   RandomnessConfig   `mapstructure:"randomness"`
	Compensation CompensationConfig `mapstructure:"compensation"`
	Issuance     IssuanceConfig     `mapstructure:"issuance"`
	Scheduler    SchedConfig        `mapstructure:"scheduler"`
	P2P          P2PConfig          `mapstructure:"p2p"`
}

// LogConfig holds log file rotation settings
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Embedded        bool          `mapstructure:"embedded"`
	URL             string        `mapstructure:"url"`
	Port            int           `mapstructure:"port"`
	RuntimePath     string        `mapstructure:"runtime_path"`
	SchemaDir       string        `mapstructure:"schema_dir"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// RegistryConfig holds verifier eligibility and stake settings
type RegistryConfig struct {
	Address       string        `mapstructure:"address"`
	Treasury      string        `mapstructure:"treasury"`
	MinStake      uint64        `mapstructure:"min_stake"`
	MinReputation uint64        `mapstructure:"min_reputation"`
	UnstakeLock   time.Duration `mapstructure:"unstake_lock"`
}

// VerificationConfig holds task engine settings
type VerificationConfig struct {
	Address         string        `mapstructure:"address"`
	ChallengeWindow time.Duration `mapstructure:"challenge_window"`
	SignerKeyHex    string        `mapstructure:"signer_key"`
	ChainID         uint64        `mapstructure:"chain_id"`
	Routers         []string      `mapstructure:"routers"`
}

// ArbitrationConfig holds council and settlement policy settings
type ArbitrationConfig struct {
	Address             string        `mapstructure:"address"`
	CouncilSize         int           `mapstructure:"council_size"`
	VotePeriod          time.Duration `mapstructure:"vote_period"`
	MaxScore            uint64        `mapstructure:"max_score"`
	FraudThreshold      uint64        `mapstructure:"fraud_threshold"`
	ChallengerStake     uint64        `mapstructure:"challenger_stake"`
	KeeperBounty        uint64        `mapstructure:"keeper_bounty"`
	ChallengerRewardPct uint64        `mapstructure:"challenger_reward_pct"`
	ExcludeChallenger   bool          `mapstructure:"exclude_challenger"`
	Admins              []string      `mapstructure:"admins"`
}

// RandomnessConfig holds oracle settings
type RandomnessConfig struct {
	Address      string        `mapstructure:"address"`
	Seed         string        `mapstructure:"seed"`
	FulfillDelay time.Duration `mapstructure:"fulfill_delay"`
}

// CompensationConfig holds the victims' pool account
type CompensationConfig struct {
	Address string `mapstructure:"address"`
}

// IssuanceConfig holds credit issuance settings
type IssuanceConfig struct {
	UnitsPerClaim uint64 `mapstructure:"units_per_claim"`
}

// SchedConfig holds keeper scheduling settings
type SchedConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	KeeperAddress string        `mapstructure:"keeper_address"`
	Schedule      string        `mapstructure:"schedule"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// P2PConfig holds event gossip settings
type P2PConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	Topic          string   `mapstructure:"topic"`
	KeyFile        string   `mapstructure:"key_file"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	// SeenCacheSize bounds the number of remote event ids kept for dedup.
	SeenCacheSize int `mapstructure:"seen_cache_size"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("VERIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile reports a missing explicit path as an fs error
	return errors.Is(err, fs.ErrNotExist)
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("log.output_path", "logs/verifier.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.runtime_path", "./data/postgres")
	v.SetDefault("database.schema_dir", "")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.timeout", "30s")

	v.SetDefault("registry.address", "0x00000000000000000000000000000000000a0001")
	v.SetDefault("registry.treasury", "0x00000000000000000000000000000000000a0002")
	v.SetDefault("registry.min_stake", 1000)
	v.SetDefault("registry.min_reputation", 10)
	v.SetDefault("registry.unstake_lock", "168h")

	v.SetDefault("verification.address", "0x00000000000000000000000000000000000a0003")
	v.SetDefault("verification.challenge_window", "72h")
	v.SetDefault("verification.chain_id", 1)

	v.SetDefault("arbitration.address", "0x00000000000000000000000000000000000a0004")
	v.SetDefault("arbitration.council_size", 5)
	v.SetDefault("arbitration.vote_period", "72h")
	v.SetDefault("arbitration.max_score", 100)
	v.SetDefault("arbitration.fraud_threshold", 50)
	v.SetDefault("arbitration.challenger_stake", 500)
	v.SetDefault("arbitration.keeper_bounty", 10)
	v.SetDefault("arbitration.challenger_reward_pct", 20)
	v.SetDefault("arbitration.exclude_challenger", true)

	v.SetDefault("randomness.address", "0x00000000000000000000000000000000000a0005")
	v.SetDefault("randomness.seed", "impact-verifier-local-oracle")
	v.SetDefault("randomness.fulfill_delay", "0s")

	v.SetDefault("compensation.address", "0x00000000000000000000000000000000000a0007")
	v.SetDefault("issuance.units_per_claim", 1000)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.keeper_address", "0x00000000000000000000000000000000000a0006")
	v.SetDefault("scheduler.schedule", "*/30 * * * * *")
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "2s")

	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.topic", "verification-events")
	v.SetDefault("p2p.seen_cache_size", 8192)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateRegistry(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.validateVerification(); err != nil {
		return fmt.Errorf("verification config: %w", err)
	}

	if err := c.validateArbitration(); err != nil {
		return fmt.Errorf("arbitration config: %w", err)
	}

	if err := c.validateRandomness(); err != nil {
		return fmt.Errorf("randomness config: %w", err)
	}

	if err := validateAddress("address", c.Compensation.Address); err != nil {
		return fmt.Errorf("compensation config: %w", err)
	}

	if c.Issuance.UnitsPerClaim == 0 {
		return fmt.Errorf("issuance config: units_per_claim must be positive")
	}

	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if !c.Database.Enabled {
		return nil
	}
	if !c.Database.Embedded && c.Database.URL == "" {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("min_connections (%d) cannot exceed max_connections (%d)",
			c.Database.MinConnections, c.Database.MaxConnections)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if err := validateAddress("address", c.Registry.Address); err != nil {
		return err
	}
	if err := validateAddress("treasury", c.Registry.Treasury); err != nil {
		return err
	}
	if c.Registry.MinStake == 0 {
		return fmt.Errorf("min_stake must be positive")
	}
	if c.Registry.UnstakeLock < 0 {
		return fmt.Errorf("unstake_lock cannot be negative")
	}
	return nil
}

func (c *Config) validateVerification() error {
	if err := validateAddress("address", c.Verification.Address); err != nil {
		return err
	}
	if c.Verification.ChallengeWindow <= 0 {
		return fmt.Errorf("challenge_window must be positive")
	}
	for _, r := range c.Verification.Routers {
		if err := validateAddress("routers", r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateArbitration() error {
	a := c.Arbitration
	if err := validateAddress("address", a.Address); err != nil {
		return err
	}
	if a.CouncilSize <= 0 {
		return fmt.Errorf("council_size must be positive")
	}
	if a.VotePeriod <= 0 {
		return fmt.Errorf("vote_period must be positive")
	}
	if a.MaxScore == 0 {
		return fmt.Errorf("max_score must be positive")
	}
	if a.FraudThreshold > a.MaxScore {
		return fmt.Errorf("fraud_threshold (%d) cannot exceed max_score (%d)", a.FraudThreshold, a.MaxScore)
	}
	if a.ChallengerStake == 0 {
		return fmt.Errorf("challenger_stake must be positive")
	}
	// the bounty is paid out of the challenger stake on every resolution
	if a.KeeperBounty > a.ChallengerStake {
		return fmt.Errorf("keeper_bounty (%d) cannot exceed challenger_stake (%d)", a.KeeperBounty, a.ChallengerStake)
	}
	if a.ChallengerRewardPct > 100 {
		return fmt.Errorf("challenger_reward_pct must be between 0 and 100")
	}
	for _, admin := range a.Admins {
		if err := validateAddress("admins", admin); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateRandomness() error {
	if err := validateAddress("address", c.Randomness.Address); err != nil {
		return err
	}
	if c.Randomness.Seed == "" {
		return fmt.Errorf("seed cannot be empty")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if !c.Scheduler.Enabled {
		return nil
	}
	if err := validateAddress("keeper_address", c.Scheduler.KeeperAddress); err != nil {
		return err
	}
	if c.Scheduler.Schedule == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if !c.P2P.Enabled {
		return nil
	}
	if c.P2P.Port < 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if c.P2P.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if c.P2P.SeenCacheSize < 0 {
		return fmt.Errorf("seen_cache_size cannot be negative")
	}
	return nil
}

func validateAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s is not a hex address: %q", field, value)
	}
	if common.HexToAddress(value) == (common.Address{}) {
		return fmt.Errorf("%s cannot be the zero address", field)
	}
	return nil
}

// Addr parses a validated hex address.
func Addr(value string) common.Address {
	return common.HexToAddress(value)
}

// Addrs parses a list of validated hex addresses.
func Addrs(values []string) []common.Address {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		out = append(out, common.HexToAddress(v))
	}
	return out
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
