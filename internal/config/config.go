package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Points     PointsConfig     `mapstructure:"points"`
	Multiplier MultiplierConfig `mapstructure:"multiplier"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

type ChainConfig struct {
	ID                 string               `mapstructure:"id"`
	Name               string               `mapstructure:"name"`
	RPCURL             string               `mapstructure:"rpc_url"`
	ChainID            uint64               `mapstructure:"chain_id"`
	DailyCheckAddress  string               `mapstructure:"daily_check_address"`
	PyramidAddress     string               `mapstructure:"pyramid_address"`
	StartBlock         int64                `mapstructure:"start_block"`
	ConfirmationBlocks int                  `mapstructure:"confirmation_blocks"`
	RequestTimeout     time.Duration        `mapstructure:"request_timeout"`
	CircuitBreaker     CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type SyncConfig struct {
	ChunkSize    int64         `mapstructure:"chunk_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	ChunkDelay   time.Duration `mapstructure:"chunk_delay"`
	WindowBlocks int64         `mapstructure:"window_blocks"`
}

type LedgerConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
	StreakCap  int64         `mapstructure:"streak_cap"`
}

// 对账流名称，同时作为检查点的键
const (
	StreamDaily    = "daily"
	StreamCampaign = "campaign"
)

type PointsConfig struct {
	CalculationCron string   `mapstructure:"calculation_cron"`
	AuditCron       string   `mapstructure:"audit_cron"`
	Streams         []string `mapstructure:"streams"`
}

type NFTMultiplier struct {
	Address    string  `mapstructure:"address"`
	Multiplier float64 `mapstructure:"multiplier"`
}

type MultiplierConfig struct {
	NFTs []NFTMultiplier `mapstructure:"nfts"`
}

type WebhookConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"`
	Delay      time.Duration `mapstructure:"delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)

	v.SetDefault("chain.confirmation_blocks", 12)
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.circuit_breaker.max_requests", 5)
	v.SetDefault("chain.circuit_breaker.interval", "60s")
	v.SetDefault("chain.circuit_breaker.timeout", "30s")
	v.SetDefault("chain.circuit_breaker.failure_threshold", 5)

	v.SetDefault("sync.chunk_size", 15000)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_delay", "2s")
	v.SetDefault("sync.chunk_delay", "500ms")
	v.SetDefault("sync.window_blocks", 43200)

	v.SetDefault("ledger.batch_size", 250)
	v.SetDefault("ledger.batch_delay", "3s")
	v.SetDefault("ledger.streak_cap", 30)

	v.SetDefault("points.calculation_cron", "0 0 * * * *")
	v.SetDefault("points.audit_cron", "0 30 3 * * *")
	v.SetDefault("points.streams", []string{StreamDaily})

	v.SetDefault("webhook.delay", "200ms")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.max_retries", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// Validate 校验必填项与批处理参数
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s (valid: mysql, postgres)", c.Database.Driver)
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.DailyCheckAddress == "" && c.Chain.PyramidAddress == "" {
		return fmt.Errorf("at least one of chain.daily_check_address or chain.pyramid_address is required")
	}
	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}
	if c.Sync.WindowBlocks <= 0 {
		return fmt.Errorf("sync.window_blocks must be positive")
	}
	if c.Ledger.BatchSize <= 0 {
		return fmt.Errorf("ledger.batch_size must be positive")
	}
	if c.Ledger.StreakCap <= 0 {
		return fmt.Errorf("ledger.streak_cap must be positive")
	}
	for _, stream := range c.Points.Streams {
		if stream != StreamDaily && stream != StreamCampaign {
			return fmt.Errorf("unknown points stream: %s (valid: %s, %s)", stream, StreamDaily, StreamCampaign)
		}
	}
	for i, nft := range c.Multiplier.NFTs {
		if nft.Address == "" {
			return fmt.Errorf("multiplier.nfts[%d]: address is required", i)
		}
		if nft.Multiplier < 1 {
			return fmt.Errorf("multiplier.nfts[%d]: multiplier must be >= 1", i)
		}
	}
	if c.Webhook.Enabled && (c.Webhook.URL == "" || c.Webhook.Secret == "") {
		return fmt.Errorf("webhook.url and webhook.secret are required when webhook is enabled")
	}
	return nil
}
