// Package config loads the keel runtime configuration with precedence
// defaults, then YAML, then environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment keel operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures the API key pair used to sign exchange requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// BinanceConfig carries the USDⓈ-M futures endpoints and transport tunables.
type BinanceConfig struct {
	RESTBaseURL   string
	StreamBaseURL string
	Credentials   Credentials
	// Testnet swaps both endpoints for the Binance futures testnet unless
	// explicit URLs override them.
	Testnet           bool
	RecvWindow        time.Duration
	HTTPTimeout       time.Duration
	KeepAliveInterval time.Duration
	RequestsPerSecond float64
}

// ReconcileConfig bounds the reconciliation engine.
type ReconcileConfig struct {
	MaxBufferedEvents int `yaml:"maxBufferedEvents"`
}

// BusConfig sizes the notification bus.
type BusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// JournalConfig selects the journal backend. An empty DSN keeps the
// bounded in-memory journal.
type JournalConfig struct {
	PostgresDSN string `yaml:"postgresDsn"`
	MemoryLimit int    `yaml:"memoryLimit"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified keel configuration combining all concerns.
type AppConfig struct {
	Environment Environment
	Binance     BinanceConfig
	Reconcile   ReconcileConfig
	Bus         BusConfig
	Journal     JournalConfig
	Telemetry   TelemetryConfig
}

type appConfigYAML struct {
	Environment string          `yaml:"environment"`
	Binance     binanceYAML     `yaml:"binance"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Telemetry   telemetryYAML   `yaml:"telemetry"`
}

type telemetryYAML struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  *bool  `yaml:"otlpInsecure"`
	EnableMetrics *bool  `yaml:"enableMetrics"`
}

type binanceYAML struct {
	RESTBaseURL       string      `yaml:"restBaseUrl"`
	StreamBaseURL     string      `yaml:"streamBaseUrl"`
	Credentials       Credentials `yaml:"credentials"`
	Testnet           bool        `yaml:"testnet"`
	RecvWindow        string      `yaml:"recvWindow"`
	HTTPTimeout       string      `yaml:"httpTimeout"`
	KeepAliveInterval string      `yaml:"keepAliveInterval"`
	RequestsPerSecond float64     `yaml:"requestsPerSecond"`
}

const (
	mainnetRESTBaseURL   = "https://fapi.binance.com"
	mainnetStreamBaseURL = "wss://fstream.binance.com"
	testnetRESTBaseURL   = "https://demo-fapi.binance.com"
	testnetStreamBaseURL = "wss://fstream.binancefuture.com"
)

// Load builds the configuration with precedence defaults, YAML, env vars.
// An absent config file is not an error; everything has a default or an
// env override.
func Load(configPath string) (AppConfig, error) {
	cfg := defaultAppConfig()

	if err := cfg.loadYAML(configPath); err != nil && !isConfigNotFoundError(err) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return os.IsNotExist(err) || strings.Contains(err.Error(), "open app config")
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Binance: BinanceConfig{
			RESTBaseURL:       mainnetRESTBaseURL,
			StreamBaseURL:     mainnetStreamBaseURL,
			Credentials:       Credentials{APIKey: "", APISecret: ""},
			Testnet:           false,
			RecvWindow:        5 * time.Second,
			HTTPTimeout:       10 * time.Second,
			KeepAliveInterval: 30 * time.Minute,
			RequestsPerSecond: 8,
		},
		Reconcile: ReconcileConfig{MaxBufferedEvents: 4096},
		Bus:       BusConfig{BufferSize: 64, FanoutWorkers: 4},
		Journal:   JournalConfig{PostgresDSN: "", MemoryLimit: 10000},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "keel",
			OTLPInsecure:  false,
			EnableMetrics: true,
		},
	}
}

func (c *AppConfig) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("KEEL_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var yamlCfg appConfigYAML
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if yamlCfg.Environment != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(yamlCfg.Environment)))
	}

	bin := yamlCfg.Binance
	if bin.Testnet {
		c.Binance.Testnet = true
	}
	if v := strings.TrimSpace(bin.RESTBaseURL); v != "" {
		c.Binance.RESTBaseURL = v
	}
	if v := strings.TrimSpace(bin.StreamBaseURL); v != "" {
		c.Binance.StreamBaseURL = v
	}
	if bin.Credentials.APIKey != "" {
		c.Binance.Credentials.APIKey = bin.Credentials.APIKey
	}
	if bin.Credentials.APISecret != "" {
		c.Binance.Credentials.APISecret = bin.Credentials.APISecret
	}
	if bin.RecvWindow != "" {
		if dur, err := time.ParseDuration(bin.RecvWindow); err == nil {
			c.Binance.RecvWindow = dur
		}
	}
	if bin.HTTPTimeout != "" {
		if dur, err := time.ParseDuration(bin.HTTPTimeout); err == nil {
			c.Binance.HTTPTimeout = dur
		}
	}
	if bin.KeepAliveInterval != "" {
		if dur, err := time.ParseDuration(bin.KeepAliveInterval); err == nil {
			c.Binance.KeepAliveInterval = dur
		}
	}
	if bin.RequestsPerSecond > 0 {
		c.Binance.RequestsPerSecond = bin.RequestsPerSecond
	}

	if yamlCfg.Reconcile.MaxBufferedEvents > 0 {
		c.Reconcile.MaxBufferedEvents = yamlCfg.Reconcile.MaxBufferedEvents
	}
	if yamlCfg.Bus.BufferSize > 0 {
		c.Bus.BufferSize = yamlCfg.Bus.BufferSize
	}
	if yamlCfg.Bus.FanoutWorkers > 0 {
		c.Bus.FanoutWorkers = yamlCfg.Bus.FanoutWorkers
	}
	if v := strings.TrimSpace(yamlCfg.Journal.PostgresDSN); v != "" {
		c.Journal.PostgresDSN = v
	}
	if yamlCfg.Journal.MemoryLimit > 0 {
		c.Journal.MemoryLimit = yamlCfg.Journal.MemoryLimit
	}
	if v := strings.TrimSpace(yamlCfg.Telemetry.OTLPEndpoint); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(yamlCfg.Telemetry.ServiceName); v != "" {
		c.Telemetry.ServiceName = v
	}
	if yamlCfg.Telemetry.OTLPInsecure != nil {
		c.Telemetry.OTLPInsecure = *yamlCfg.Telemetry.OTLPInsecure
	}
	if yamlCfg.Telemetry.EnableMetrics != nil {
		c.Telemetry.EnableMetrics = *yamlCfg.Telemetry.EnableMetrics
	}

	return nil
}

func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv("KEEL_ENV")); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_TESTNET")); v != "" {
		c.Binance.Testnet = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_FUTURES_BASE_URL")); v != "" {
		c.Binance.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_FUTURES_WS_URL")); v != "" {
		c.Binance.StreamBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
		c.Binance.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")); v != "" {
		c.Binance.Credentials.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Binance.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("KEEL_PG_DSN")); v != "" {
		c.Journal.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate checks the merged configuration and resolves the testnet switch
// into concrete endpoints.
func (c *AppConfig) Validate() error {
	if c.Environment != EnvDev && c.Environment != EnvStaging && c.Environment != EnvProd {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	// The testnet flag only rewrites endpoints still pointing at mainnet,
	// so explicit URL overrides always win.
	if c.Binance.Testnet {
		if c.Binance.RESTBaseURL == mainnetRESTBaseURL {
			c.Binance.RESTBaseURL = testnetRESTBaseURL
		}
		if c.Binance.StreamBaseURL == mainnetStreamBaseURL {
			c.Binance.StreamBaseURL = testnetStreamBaseURL
		}
	}

	if strings.TrimSpace(c.Binance.RESTBaseURL) == "" {
		return fmt.Errorf("binance rest base url required")
	}
	if strings.TrimSpace(c.Binance.StreamBaseURL) == "" {
		return fmt.Errorf("binance stream base url required")
	}
	if c.Binance.Credentials.APIKey == "" || c.Binance.Credentials.APISecret == "" {
		return fmt.Errorf("binance api credentials required")
	}
	if c.Binance.RecvWindow <= 0 || c.Binance.HTTPTimeout <= 0 {
		return fmt.Errorf("binance timeouts must be >0")
	}
	if c.Reconcile.MaxBufferedEvents <= 0 {
		return fmt.Errorf("reconcile maxBufferedEvents must be >0")
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus bufferSize must be >0")
	}
	if c.Bus.FanoutWorkers <= 0 {
		c.Bus.FanoutWorkers = 4
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "keel"
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	addCandidate("config/app.yaml")
	addCandidate("config/app.example.yaml")

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
