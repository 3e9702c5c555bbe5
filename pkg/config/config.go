package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" validate:"required"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"30s"`
		CORSOrigins     []string      `yaml:"cors_origins"`
		Disabled        bool          `yaml:"disabled"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Logging struct {
		Level      string `yaml:"level" default:"info"`
		Format     string `yaml:"format" default:"json"`
		Output     string `yaml:"output" default:"stdout"`
		MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
		MaxBackups int    `yaml:"max_backups" default:"5"`
		MaxAgeDays int    `yaml:"max_age_days" default:"14"`
		Collect    bool   `yaml:"collect"`
		Topic      string `yaml:"topic" default:"error_logs"`
	} `yaml:"logging"`
	Backend struct {
		// Bars selects the bar source: clickhouse or memory.
		Bars string `yaml:"bars" default:"clickhouse" validate:"oneof=clickhouse memory"`
		// Broker selects the execution bridge: sim or http.
		Broker string `yaml:"broker" default:"sim" validate:"oneof=sim http"`
	} `yaml:"backend"`

	Market     MarketConfig     `yaml:"market"`
	Training   TrainingConfig   `yaml:"training"`
	Regime     RegimeConfig     `yaml:"regime"`
	Live       LiveConfig       `yaml:"live"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
}

type SymbolConfig struct {
	Name   string  `yaml:"name" validate:"required"`
	Spread float64 `yaml:"spread" default:"3"`
	Point  float64 `yaml:"point" default:"0.00001"`
}

type IndicatorConfig struct {
	Factory string `yaml:"factory" validate:"required"`
	Args    []int  `yaml:"args"`
}

type MarketConfig struct {
	Timeframe      string            `yaml:"timeframe" default:"1m"`
	Symbols        []SymbolConfig    `yaml:"symbols" validate:"dive"`
	Indicators     []IndicatorConfig `yaml:"indicators" validate:"dive"`
	Leverage       float64           `yaml:"leverage" default:"1000"`
	MinBeginEquity float64           `yaml:"min_begin_equity" default:"10000"`
}

type StageLimits struct {
	Filter int `yaml:"filter"`
	Signal int `yaml:"signal"`
	Amp    int `yaml:"amp"`
	Fuse   int `yaml:"fuse"`
}

type TrainingConfig struct {
	Groups             int           `yaml:"groups" default:"4" validate:"min=1"`
	Filters            int           `yaml:"filters" default:"2" validate:"min=0"`
	Workers            int           `yaml:"workers" default:"4" validate:"min=1"`
	BatchSteps         int           `yaml:"batch_steps" default:"100" validate:"min=1"`
	CheckEvery         int           `yaml:"check_every" default:"30" validate:"min=1"`
	BreakIntervalIters int           `yaml:"break_interval_iters" default:"100000" validate:"min=1"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" default:"5m"`
	CheckpointPath     string        `yaml:"checkpoint_path" default:"data/agents.json"`
	WindowBars         int           `yaml:"window_bars" default:"10000" validate:"min=1"`
	MinHistoryBars     int           `yaml:"min_history_bars" default:"10000" validate:"min=0"`
	Iterations         StageLimits   `yaml:"iterations"`
	EpsilonSteps       StageLimits   `yaml:"epsilon_steps"`
	MinLearningRate    float64       `yaml:"min_learning_rate" default:"0.001"`
	MaxLearningRate    float64       `yaml:"max_learning_rate" default:"0.01"`
	DiscountFactor     float64       `yaml:"discount_factor" default:"0.9"`
	ExperienceSize     int           `yaml:"experience_size" default:"1000"`
	MaxExtraTimesteps  int           `yaml:"max_extra_timesteps" default:"7"`
	RecreateDrawdown   float64       `yaml:"recreate_drawdown" default:"40"`
	Seed               int64         `yaml:"seed" default:"1"`

	ResetFilters bool `yaml:"reset_filters"`
	ResetSignals bool `yaml:"reset_signals"`
	ResetAmps    bool `yaml:"reset_amps"`
	ResetFuses   bool `yaml:"reset_fuses"`
}

type RegimeConfig struct {
	Disabled          bool    `yaml:"disabled"`
	IndicatorClusters int     `yaml:"indicator_clusters" default:"20" validate:"min=1"`
	ExtraCentroids    int     `yaml:"extra_centroids" default:"10" validate:"min=0"`
	Periods           []int   `yaml:"periods"`
	VolatDiv          float64 `yaml:"volat_div" default:"0.0001" validate:"gt=0"`
	ChangeDiv         float64 `yaml:"change_div" default:"0.0001" validate:"gt=0"`
	VolatMul          int     `yaml:"volat_mul" default:"1" validate:"min=1"`
	MaxIterations     int     `yaml:"max_iterations" default:"100" validate:"min=1"`
	NavigationShift   int     `yaml:"navigation_shift" default:"15" validate:"min=2"`
}

type LiveConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" default:"1s"`
	DataInterval    time.Duration `yaml:"data_interval" default:"1m"`
	FreeMarginLevel float64       `yaml:"free_margin_level" default:"0.6"`
	AccountLogPath  string        `yaml:"account_log_path" default:"data/account.log"`
	SignalsCacheTTL time.Duration `yaml:"signals_cache_ttl" default:"1m"`
}

type BridgeConfig struct {
	URL             string        `yaml:"url" default:"http://127.0.0.1:42000"`
	WebSocketURL    string        `yaml:"websocket_url"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout" default:"5s"`
	RetryCount      int           `yaml:"retry_count" default:"2"`
	RatePerSecond   float64       `yaml:"rate_per_second" default:"20"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" default:"5s"`
	PingInterval    time.Duration `yaml:"ping_interval" default:"30s"`
	MaxQuotesPerSec float64       `yaml:"max_quotes_per_sec" default:"50"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	SignalTopic  string   `yaml:"signal_topic" default:"agent.signals"`
	ControlTopic string   `yaml:"control_topic" default:"agent.control"`
	RequiredAcks int      `yaml:"required_acks" default:"1"`
	Compression  string   `yaml:"compression" default:"snappy"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"10ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		Async        bool          `yaml:"async"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"finagent"`
		Workers    int           `yaml:"workers" default:"1"`
		BufferSize int           `yaml:"buffer_size" default:"64"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
		DLQTopic   string        `yaml:"dlq_topic"`
		MinBytes   int           `yaml:"min_bytes" default:"1"`
		MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"finagent"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	DisableCompress  bool          `yaml:"disable_compression"`
}

type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr" default:"localhost:6379"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	Workers    int           `yaml:"workers" default:"2"`
	RetryLimit int           `yaml:"retry_limit" default:"3"`
	RetryDelay time.Duration `yaml:"retry_delay" default:"5s"`
}

// DefaultSymbols is the allowed symbol table used when none is configured.
func DefaultSymbols() []SymbolConfig {
	names := []string{"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "USDCAD", "AUDUSD", "NZDUSD", "EURJPY", "EURCHF", "EURGBP"}
	out := make([]SymbolConfig, len(names))
	for i, n := range names {
		point := 0.00001
		if strings.HasSuffix(n, "JPY") {
			point = 0.001
		}
		out[i] = SymbolConfig{Name: n, Spread: 3, Point: point}
	}
	return out
}

// DefaultIndicators is the OsMA and Stochastic ladder over five horizons.
func DefaultIndicators() []IndicatorConfig {
	out := []IndicatorConfig{}
	for _, p := range []int{5, 15, 60, 240, 1440} {
		out = append(out, IndicatorConfig{Factory: "OsMA", Args: []int{p, p * 2, p}})
	}
	for _, p := range []int{5, 15, 60, 240, 1440} {
		out = append(out, IndicatorConfig{Factory: "Stochastic", Args: []int{p}})
	}
	return out
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyDefaults(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads .env (if present) and the YAML config, then applies environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Market.Symbols = c.Market.Symbols[:0]
		for _, s := range strings.Split(v, ",") {
			c.Market.Symbols = append(c.Market.Symbols, SymbolConfig{Name: strings.TrimSpace(s), Spread: 3, Point: 0.00001})
		}
	}
	if v := os.Getenv("BAR_BACKEND"); v != "" {
		c.Backend.Bars = v
	}
	if v := os.Getenv("BRIDGE_TOKEN"); v != "" {
		c.Bridge.Token = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.Bridge.URL = v
		c.Backend.Broker = "http"
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CHECKPOINT_PATH"); v != "" {
		c.Training.CheckpointPath = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	if len(c.Market.Symbols) == 0 {
		c.Market.Symbols = DefaultSymbols()
	}
	if len(c.Market.Indicators) == 0 {
		c.Market.Indicators = DefaultIndicators()
	}
	if len(c.Regime.Periods) == 0 {
		c.Regime.Periods = []int{5, 15, 30}
	}
	t := &c.Training
	if t.Iterations == (StageLimits{}) {
		t.Iterations = StageLimits{Filter: 100000, Signal: 1000000, Amp: 500000, Fuse: 500000}
	}
	if t.EpsilonSteps == (StageLimits{}) {
		t.EpsilonSteps = StageLimits{Filter: 20000, Signal: 200000, Amp: 100000, Fuse: 100000}
	}
	return nil
}

// Validate checks tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if len(c.Market.Symbols) == 0 {
		return errors.New("market.symbols cannot be empty")
	}
	seen := make(map[string]struct{}, len(c.Market.Symbols))
	for _, s := range c.Market.Symbols {
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("market.symbols: duplicate symbol %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	if c.Training.MinLearningRate > c.Training.MaxLearningRate {
		return fmt.Errorf("training: min_learning_rate %.4g > max_learning_rate %.4g",
			c.Training.MinLearningRate, c.Training.MaxLearningRate)
	}
	for _, l := range []int{c.Training.Iterations.Signal, c.Training.Iterations.Amp, c.Training.Iterations.Fuse} {
		if l <= 0 {
			return errors.New("training.iterations must be positive for every stage")
		}
	}
	if c.Training.Filters > 0 && c.Training.Iterations.Filter <= 0 {
		return errors.New("training.iterations.filter must be positive when filters are enabled")
	}
	for _, p := range c.Regime.Periods {
		if p <= 0 {
			return fmt.Errorf("regime.periods: invalid period %d", p)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers required when kafka is enabled")
	}
	return nil
}
