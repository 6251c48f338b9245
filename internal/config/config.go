package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Anchor    AnchorConfig    `mapstructure:"anchor"`
	Batch     BatchConfig     `mapstructure:"batch"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// ProvidersConfig carries one upstream per recognised model prefix.
type ProvidersConfig struct {
	OpenAI    UpstreamConfig `mapstructure:"openai"`
	Anthropic UpstreamConfig `mapstructure:"anthropic"`
	Local     UpstreamConfig `mapstructure:"local"`
}

type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// IdentityConfig names the headers the upstream edge uses to forward the
// authenticated caller. Requests without the consumer header are rejected.
type IdentityConfig struct {
	ConsumerHeader string `mapstructure:"consumer_header"`
	UsernameHeader string `mapstructure:"username_header"`
	ExternalHeader string `mapstructure:"external_header"`
}

type GatewayConfig struct {
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	TeeMaxBytes     int64         `mapstructure:"tee_max_bytes"`
	StoreBodies     bool          `mapstructure:"store_bodies"`
	DefaultQuota    string        `mapstructure:"default_quota"`
}

// DefaultQuotaDecimal parses the configured default quota; a bad value is
// a startup error, not a silent zero quota.
func (g GatewayConfig) DefaultQuotaDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(g.DefaultQuota)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid default_quota %q: %w", g.DefaultQuota, err)
	}
	return d, nil
}

type AnchorConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	SigningKey      string        `mapstructure:"signing_key"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type BatchConfig struct {
	BaseSize      int           `mapstructure:"base_size"`
	Interval      time.Duration `mapstructure:"interval"`
	DailyTxBudget int64         `mapstructure:"daily_tx_budget"`
	Adaptive      bool          `mapstructure:"adaptive"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/anchorgate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)

	viper.SetDefault("providers.openai.base_url", "https://api.openai.com")
	viper.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com")
	viper.SetDefault("providers.local.base_url", "http://localhost:8000")

	viper.SetDefault("identity.consumer_header", "X-Consumer-ID")
	viper.SetDefault("identity.username_header", "X-Consumer-Username")
	viper.SetDefault("identity.external_header", "X-Consumer-External-ID")

	viper.SetDefault("gateway.upstream_timeout", "300s")
	viper.SetDefault("gateway.tee_max_bytes", 10*1024*1024)
	viper.SetDefault("gateway.store_bodies", false)
	viper.SetDefault("gateway.default_quota", "10")

	viper.SetDefault("anchor.request_timeout", "30s")

	viper.SetDefault("batch.base_size", 10)
	viper.SetDefault("batch.interval", "60s")
	viper.SetDefault("batch.daily_tx_budget", 100)
	viper.SetDefault("batch.adaptive", true)
	viper.SetDefault("batch.sweep_interval", "10m")
}

func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	viper.BindEnv("providers.openai.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("providers.openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.anthropic.base_url", "ANTHROPIC_BASE_URL")
	viper.BindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("providers.local.base_url", "LOCAL_BASE_URL")

	viper.BindEnv("identity.consumer_header", "IDENTITY_CONSUMER_HEADER")
	viper.BindEnv("identity.username_header", "IDENTITY_USERNAME_HEADER")
	viper.BindEnv("identity.external_header", "IDENTITY_EXTERNAL_HEADER")

	viper.BindEnv("gateway.upstream_timeout", "UPSTREAM_TIMEOUT")
	viper.BindEnv("gateway.tee_max_bytes", "TEE_MAX_BYTES")
	viper.BindEnv("gateway.store_bodies", "STORE_BODIES")
	viper.BindEnv("gateway.default_quota", "DEFAULT_QUOTA")

	viper.BindEnv("anchor.endpoint", "ANCHOR_ENDPOINT")
	viper.BindEnv("anchor.signing_key", "ANCHOR_SIGNING_KEY")
	viper.BindEnv("anchor.contract_address", "ANCHOR_CONTRACT_ADDRESS")

	viper.BindEnv("batch.base_size", "BATCH_BASE_SIZE")
	viper.BindEnv("batch.interval", "BATCH_INTERVAL")
	viper.BindEnv("batch.daily_tx_budget", "DAILY_TX_BUDGET")
	viper.BindEnv("batch.adaptive", "ADAPTIVE_BATCHING")
	viper.BindEnv("batch.sweep_interval", "BATCH_SWEEP_INTERVAL")
}
