package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go-checkout-verifier/logging"
	"go-checkout-verifier/metrics"
	"go-checkout-verifier/redis"
	"go-checkout-verifier/session"

	"github.com/jonboulle/clockwork"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config" yaml:"server_config"`

	LogLevel   string `json:"log_level" yaml:"log_level" envconfig:"VERIFIER_LOG_LEVEL"`
	LogFormat  string `json:"log_format" yaml:"log_format" envconfig:"VERIFIER_LOG_FORMAT"`
	MinimumAge int    `json:"minimum_age" yaml:"minimum_age"`

	SessionConfig SessionConfig `json:"session_config" yaml:"session_config"`
	PosConfig     PosConfig     `json:"pos_config" yaml:"pos_config"`
	ReceiptConfig ReceiptConfig `json:"receipt_config" yaml:"receipt_config"`

	StorageType         string                    `json:"storage_type" yaml:"storage_type"`
	RetentionDays       int                       `json:"retention_days" yaml:"retention_days"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty" yaml:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty" yaml:"redis_sentinel_config,omitempty"`
}

// SessionConfig durations use time.ParseDuration syntax, e.g. "15m"
type SessionConfig struct {
	Ttl            string `json:"ttl" yaml:"ttl"`
	LivenessWindow string `json:"liveness_window" yaml:"liveness_window"`
	SweepInterval  string `json:"sweep_interval" yaml:"sweep_interval"`
	MaxLogEntries  int    `json:"max_log_entries" yaml:"max_log_entries"`
}

type PosConfig struct {
	BaseUrl    string `json:"base_url" yaml:"base_url" envconfig:"VERIFIER_POS_BASE_URL"`
	ApiToken   string `json:"api_token" yaml:"api_token" envconfig:"VERIFIER_POS_API_TOKEN"`
	Timeout    string `json:"timeout" yaml:"timeout"`
	MaxRetries uint64 `json:"max_retries" yaml:"max_retries"`
}

type ReceiptConfig struct {
	PrivateKeyPath string `json:"private_key_path" yaml:"private_key_path" envconfig:"VERIFIER_RECEIPT_PRIVATE_KEY_PATH"`
	IssuerId       string `json:"issuer_id" yaml:"issuer_id"`
	Validity       string `json:"validity" yaml:"validity"`
}

func main() {
	configPath := flag.String("config", "", "Path for the config file (.json or .yaml) to use")
	flag.Parse()

	if *configPath == "" {
		slog.Error("please provide a config path using the --config flag")
		os.Exit(1)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		slog.Error("failed to read config file", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logging.InitLoggerWithFormat(config.LogLevel, config.LogFormat)
	slog.Info("Using config", "path", *configPath, "storage_type", config.StorageType)

	if err := run(config); err != nil {
		slog.Error("verifier stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(registry)

	sessionConfig, err := config.SessionConfig.brokerConfig()
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	broker := session.NewBroker(sessionConfig, session.WithClock(clock), session.WithRecorder(appMetrics))

	receiptValidity, _ := time.ParseDuration(config.ReceiptConfig.Validity)
	receiptSigner, err := NewJwtReceiptSigner(config.ReceiptConfig.PrivateKeyPath, config.ReceiptConfig.IssuerId, receiptValidity, clock)
	if err != nil {
		return fmt.Errorf("failed to instantiate receipt signer: %w", err)
	}

	complianceRecorder, err := createComplianceRecorder(&config)
	if err != nil {
		return fmt.Errorf("failed to instantiate compliance recorder: %w", err)
	}

	posTimeout, _ := time.ParseDuration(config.PosConfig.Timeout)
	posClient := NewHttpPosClient(config.PosConfig.BaseUrl, config.PosConfig.ApiToken, posTimeout, config.PosConfig.MaxRetries)
	if err := posClient.HealthCheck(ctx); err != nil {
		slog.Warn("POS API not reachable at startup", "error", err)
	}

	serverState := ServerState{
		broker:             broker,
		documentParser:     NewDocumentParser(clock),
		agePolicy:          AgePolicy{MinimumAge: config.MinimumAge},
		posClient:          posClient,
		complianceRecorder: complianceRecorder,
		receiptSigner:      receiptSigner,
		metrics:            appMetrics,
		gatherer:           registry,
		clock:              clock,
	}

	server, err := NewServer(&serverState, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.Run(ctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Stop()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readConfigFile decodes a JSON or YAML file, applies VERIFIER_* environment
// overrides and fills in defaults.
func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configBytes, &config)
	default:
		err = json.Unmarshal(configBytes, &config)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if err := envconfig.Process("verifier", &config); err != nil {
		return Config{}, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.validateAndAddDefaults(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c *Config) validateAndAddDefaults() error {
	if c.ServerConfig.Port == 0 {
		c.ServerConfig.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MinimumAge == 0 {
		c.MinimumAge = DefaultMinimumAge
	}
	if c.StorageType == "" {
		c.StorageType = "memory"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = int(DefaultRetention / (24 * time.Hour))
	}
	if c.PosConfig.MaxRetries == 0 {
		c.PosConfig.MaxRetries = DefaultPosMaxRetries
	}
	if c.ReceiptConfig.IssuerId == "" {
		c.ReceiptConfig.IssuerId = "checkout-verifier"
	}

	if c.PosConfig.BaseUrl == "" {
		return errors.New("pos_config.base_url is required")
	}
	if c.ReceiptConfig.PrivateKeyPath == "" {
		return errors.New("receipt_config.private_key_path is required")
	}
	if c.MinimumAge < 0 {
		return fmt.Errorf("minimum_age must not be negative, got %d", c.MinimumAge)
	}

	for name, value := range map[string]string{
		"session_config.ttl":             c.SessionConfig.Ttl,
		"session_config.liveness_window": c.SessionConfig.LivenessWindow,
		"session_config.sweep_interval":  c.SessionConfig.SweepInterval,
		"pos_config.timeout":             c.PosConfig.Timeout,
		"receipt_config.validity":        c.ReceiptConfig.Validity,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// brokerConfig leaves unset values at zero so the broker applies its defaults
func (c SessionConfig) brokerConfig() (session.Config, error) {
	config := session.Config{MaxLogEntries: c.MaxLogEntries}
	for _, field := range []struct {
		value string
		dest  *time.Duration
	}{
		{c.Ttl, &config.TTL},
		{c.LivenessWindow, &config.LivenessWindow},
		{c.SweepInterval, &config.SweepInterval},
	} {
		if field.value == "" {
			continue
		}
		d, err := time.ParseDuration(field.value)
		if err != nil {
			return session.Config{}, fmt.Errorf("invalid session duration %q: %w", field.value, err)
		}
		*field.dest = d
	}
	return config, nil
}

func createComplianceRecorder(config *Config) (ComplianceRecorder, error) {
	retention := time.Duration(config.RetentionDays) * 24 * time.Hour
	if config.StorageType == "redis" {
		slog.Info("Using redis compliance storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisComplianceRecorder(client, config.RedisConfig.Namespace, retention), nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel compliance storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisComplianceRecorder(client, config.RedisSentinelConfig.Namespace, retention), nil
	}
	if config.StorageType == "memory" {
		slog.Info("Using in memory compliance storage")
		return NewInMemoryComplianceRecorder(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}
