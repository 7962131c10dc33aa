// Package config loads and validates the collector configuration tree.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/depthstream/depthstream/internal/schema"
)

// Config is the full collector configuration.
type Config struct {
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Limiter   LimiterConfig             `yaml:"limiter"`
	Publisher PublisherConfig           `yaml:"publisher"`
	Sync      SyncConfig                `yaml:"sync"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Health    HealthConfig              `yaml:"health"`
}

// ExchangeConfig describes one venue feed.
type ExchangeConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MarketType    string   `yaml:"marketType"`
	Symbols       []string `yaml:"symbols"`
	DepthLimit    int      `yaml:"depthLimit"`
	SnapshotDepth int      `yaml:"snapshotDepth"`
	WSURL         string   `yaml:"wsUrl"`
	RESTURL       string   `yaml:"restUrl"`

	// Credentials are unused for public depth feeds but kept for venues that
	// gate higher rate limits behind keys.
	APIKey     string `yaml:"apiKey"`
	APISecret  string `yaml:"apiSecret"`
	Passphrase string `yaml:"passphrase"`
}

// LimiterConfig configures the shared weight limiter.
type LimiterConfig struct {
	Budgets map[string]BudgetConfig `yaml:"budgets"`
}

// BudgetConfig is one exchange's weight ceiling.
type BudgetConfig struct {
	Weight int           `yaml:"weight"`
	Window time.Duration `yaml:"window"`
}

// PublisherConfig configures the outbound queue and sink.
type PublisherConfig struct {
	// QueueCapacity counts distinct topics (one pending book per symbol);
	// keep it above the total configured symbol count.
	QueueCapacity int           `yaml:"queueCapacity"`
	DrainGrace    time.Duration `yaml:"drainGrace"`
	// NATSURL selects the JetStream sink; empty keeps books in memory.
	NATSURL string `yaml:"natsUrl"`
}

// SyncConfig carries the state-machine tunables.
type SyncConfig struct {
	BufferCapacity  int           `yaml:"bufferCapacity"`
	ResyncDelay     time.Duration `yaml:"resyncDelay"`
	ResyncDelayMax  time.Duration `yaml:"resyncDelayMax"`
	MaxResyncs      int           `yaml:"maxResyncs"`
	SnapshotTimeout time.Duration `yaml:"snapshotTimeout"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	MinSnapshotGap  time.Duration `yaml:"minSnapshotGap"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// HealthConfig configures the operator endpoint.
type HealthConfig struct {
	Bind string `yaml:"bind"`
}

// defaultDepthLimits follow each venue's common stream depth.
var defaultDepthLimits = map[schema.Exchange]int{
	schema.ExchangeBinance:        400,
	schema.ExchangeBinanceFutures: 400,
	schema.ExchangeOKX:            400,
	schema.ExchangeDeribit:        400,
}

// Load reads, defaults, and validates the configuration at path. An empty
// path falls back to $DEPTHSTREAM_CONFIG, then config/collector.yaml.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("DEPTHSTREAM_CONFIG"))
	}
	if path == "" {
		path = "config/collector.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for name, ex := range c.Exchanges {
		if ex.DepthLimit <= 0 {
			ex.DepthLimit = defaultDepthLimits[schema.Exchange(name)]
			if ex.DepthLimit <= 0 {
				ex.DepthLimit = 400
			}
		}
		if ex.SnapshotDepth <= 0 {
			ex.SnapshotDepth = 100
		}
		if ex.MarketType == "" {
			ex.MarketType = string(schema.MarketSpot)
		}
		c.Exchanges[name] = ex
	}
	if c.Publisher.QueueCapacity <= 0 {
		c.Publisher.QueueCapacity = 1024
	}
	if c.Publisher.DrainGrace <= 0 {
		c.Publisher.DrainGrace = 5 * time.Second
	}
	if c.Sync.BufferCapacity <= 0 {
		c.Sync.BufferCapacity = 1000
	}
	if c.Sync.ResyncDelay <= 0 {
		c.Sync.ResyncDelay = time.Second
	}
	if c.Sync.ResyncDelayMax <= 0 {
		c.Sync.ResyncDelayMax = time.Minute
	}
	if c.Sync.MaxResyncs <= 0 {
		c.Sync.MaxResyncs = 10
	}
	if c.Sync.SnapshotTimeout <= 0 {
		c.Sync.SnapshotTimeout = 15 * time.Second
	}
	if c.Sync.Heartbeat <= 0 {
		c.Sync.Heartbeat = 30 * time.Second
	}
	if c.Sync.MinSnapshotGap <= 0 {
		c.Sync.MinSnapshotGap = 30 * time.Second
	}
	if c.Health.Bind == "" {
		c.Health.Bind = ":8080"
	}
	if c.Limiter.Budgets == nil {
		c.Limiter.Budgets = map[string]BudgetConfig{
			string(schema.ExchangeBinance):        {Weight: 1200, Window: time.Minute},
			string(schema.ExchangeBinanceFutures): {Weight: 2400, Window: time.Minute},
		}
	}
}

// Validate performs semantic checks beyond YAML well-formedness.
func (c *Config) Validate() error {
	enabled := 0
	for name, ex := range c.Exchanges {
		exchange := schema.Exchange(name)
		if !exchange.Valid() {
			return fmt.Errorf("config: unknown exchange %q", name)
		}
		if !ex.Enabled {
			continue
		}
		enabled++
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("config: exchange %s enabled with no symbols", name)
		}
		switch schema.MarketType(ex.MarketType) {
		case schema.MarketSpot, schema.MarketPerpetual, schema.MarketOption:
		default:
			return fmt.Errorf("config: exchange %s has invalid market type %q", name, ex.MarketType)
		}
		for _, symbol := range ex.Symbols {
			if strings.TrimSpace(symbol) == "" {
				return fmt.Errorf("config: exchange %s has an empty symbol", name)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: no exchange enabled")
	}
	for name, budget := range c.Limiter.Budgets {
		if budget.Weight <= 0 || budget.Window <= 0 {
			return fmt.Errorf("config: limiter budget for %s must be positive", name)
		}
	}
	return nil
}
