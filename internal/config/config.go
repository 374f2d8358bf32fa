package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Contracts  ContractsConfig  `mapstructure:"contracts"`
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Content    ContentConfig    `mapstructure:"content"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
}

type EthereumConfig struct {
	NodeURL             string        `mapstructure:"node_url"`
	PrivateKey          string        `mapstructure:"private_key"`
	ChainID             uint64        `mapstructure:"chain_id"`
	FeeCeilingWei       uint64        `mapstructure:"fee_ceiling_wei"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	ABIPath             string        `mapstructure:"abi_path"`
	JobABIPath          string        `mapstructure:"job_abi_path"`
}

type ContractsConfig struct {
	Name           string         `mapstructure:"name"`
	Address        string         `mapstructure:"address"`
	DeploymentDirs []string       `mapstructure:"deployment_dirs"`
	IgnitionDirs   []string       `mapstructure:"ignition_dirs"`
	JobID          *uint64        `mapstructure:"job_id"`
	Targets        []TargetConfig `mapstructure:"targets"`
}

// TargetConfig describes one contract notified at the end of every round
type TargetConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	Address string `mapstructure:"address"`
	Method  string `mapstructure:"method"`
}

type ExperimentConfig struct {
	Rounds             int           `mapstructure:"rounds"`
	MinParticipants    int           `mapstructure:"min_participants"`
	Participants       int           `mapstructure:"participants"`
	ParticipantTimeout time.Duration `mapstructure:"participant_timeout"`
	MetricsFile        string        `mapstructure:"metrics_file"`
}

type ContentConfig struct {
	Backend   string        `mapstructure:"backend"`
	APIURL    string        `mapstructure:"api_url"`
	PinataJWT string        `mapstructure:"pinata_jwt"`
	PinURL    string        `mapstructure:"pin_url"`
	Gateways  []string      `mapstructure:"gateways"`
	LocalPath string        `mapstructure:"local_path"`
	RedisAddr string        `mapstructure:"redis_addr"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RPS       float64       `mapstructure:"rps"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout int      `mapstructure:"batch_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	TargetKindDAO = "dao"
	TargetKindJob = "job"

	ContentBackendIPFS   = "ipfs"
	ContentBackendPinata = "pinata"
	ContentBackendLocal  = "local"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("ethereum.node_url", "http://127.0.0.1:8545")
	v.SetDefault("ethereum.fee_ceiling_wei", uint64(2_000_000_000))
	v.SetDefault("ethereum.receipt_poll_interval", time.Second)

	v.SetDefault("contracts.name", "dao")
	v.SetDefault("contracts.deployment_dirs", []string{"deployments"})
	v.SetDefault("contracts.ignition_dirs", []string{"ignition/deployments"})

	v.SetDefault("experiment.rounds", 3)
	v.SetDefault("experiment.min_participants", 1)
	v.SetDefault("experiment.participants", 3)
	v.SetDefault("experiment.participant_timeout", 2*time.Minute)
	v.SetDefault("experiment.metrics_file", "results/server_metrics.json")

	v.SetDefault("content.backend", ContentBackendLocal)
	v.SetDefault("content.pin_url", "https://api.pinata.cloud/pinning/pinFileToIPFS")
	v.SetDefault("content.gateways", []string{"https://gateway.pinata.cloud/ipfs/"})
	v.SetDefault("content.local_path", "results/content.db")
	v.SetDefault("content.cache_ttl", 24*time.Hour)
	v.SetDefault("content.rps", 3.0)
	v.SetDefault("content.timeout", time.Minute)

	v.SetDefault("kafka.topic", "roundledger-rounds")
	v.SetDefault("kafka.batch_size", 1)
	v.SetDefault("kafka.batch_timeout", 100)

	v.SetDefault("telemetry.service_name", "round-coordinator")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	for _, key := range []string{
		"ethereum.private_key", "ethereum.abi_path", "ethereum.job_abi_path",
		"contracts.address", "content.api_url", "content.pinata_jwt", "content.redis_addr",
		"telemetry.otlp_endpoint", "telemetry.metrics_addr",
	} {
		v.SetDefault(key, "")
	}
}

// legacyEnv maps settings to the variable names used by the deployment scripts
var legacyEnv = map[string]string{
	"ethereum.node_url":     "RPC_URL",
	"ethereum.private_key":  "PRIVATE_KEY",
	"ethereum.abi_path":     "DAO_ABI_PATH",
	"ethereum.job_abi_path": "JOB_ABI_PATH",
	"contracts.address":     "DAO_ADDRESS",
	"contracts.job_id":      "JOB_ID",
	"experiment.rounds":     "ROUNDS",
	"content.pinata_jwt":    "PINATA_JWT",
	"content.api_url":       "IPFS_API_URL",
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		primary := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, primary, legacy); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// LoadConfig reads config.yaml from path, overlaying environment variables.
// A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}
	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	err = v.Unmarshal(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// ValidateRun checks the settings of an experiment run. DAO notifications
// name a job, so contracts.job_id must be set whenever the DAO is notified,
// which includes the default with no targets configured.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Contracts.JobID != nil {
		return nil
	}
	if len(c.Contracts.Targets) == 0 {
		return errors.New("contracts.job_id is required when the DAO is notified")
	}
	for i, target := range c.Contracts.Targets {
		if target.Kind == TargetKindDAO {
			return fmt.Errorf("contracts.targets[%d]: contracts.job_id is required for dao targets", i)
		}
	}
	return nil
}

// Validate checks the settings shared by every command
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ethereum.NodeURL) == "" {
		return errors.New("ethereum.node_url is required")
	}
	if strings.TrimSpace(c.Ethereum.PrivateKey) == "" {
		return errors.New("ethereum.private_key is required")
	}
	if strings.TrimSpace(c.Ethereum.ABIPath) == "" {
		return errors.New("ethereum.abi_path is required")
	}
	if c.Experiment.Rounds < 0 {
		return fmt.Errorf("experiment.rounds must not be negative, got %d", c.Experiment.Rounds)
	}
	if c.Experiment.MinParticipants < 1 {
		return fmt.Errorf("experiment.min_participants must be at least 1, got %d", c.Experiment.MinParticipants)
	}
	for i, target := range c.Contracts.Targets {
		switch target.Kind {
		case TargetKindDAO, TargetKindJob:
		default:
			return fmt.Errorf("contracts.targets[%d]: unknown kind %q", i, target.Kind)
		}
		if target.Kind == TargetKindJob && strings.TrimSpace(c.Ethereum.JobABIPath) == "" {
			return fmt.Errorf("contracts.targets[%d]: ethereum.job_abi_path is required for job targets", i)
		}
	}
	switch c.Content.Backend {
	case ContentBackendIPFS:
		if c.Content.APIURL == "" {
			return errors.New("content.api_url is required for the ipfs backend")
		}
	case ContentBackendPinata:
		if c.Content.PinataJWT == "" {
			return errors.New("content.pinata_jwt is required for the pinata backend")
		}
	case ContentBackendLocal:
	default:
		return fmt.Errorf("unknown content.backend %q", c.Content.Backend)
	}
	return nil
}
