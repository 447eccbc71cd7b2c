// Package config loads the process configuration from YAML, then lets
// HYDRA_* environment variables override deployment-specific values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hydra/engine"
	"hydra/infra/kafka"
	"hydra/infra/logging"
	"hydra/infra/memory"
	"hydra/jobs/broadcaster"
	"hydra/router"
	"hydra/service"
	"hydra/settlement"
)

// Settlement network kinds.
const (
	NetworkKafka     = "kafka"
	NetworkSimulated = "simulated"
)

type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// DataDir holds the pebble store with snapshots and settlement jobs.
	DataDir string `yaml:"data_dir"`

	Logging    logging.Config    `yaml:"logging"`
	Engine     engine.Config     `yaml:"engine"`
	Router     router.Config     `yaml:"router"`
	Settlement settlement.Config `yaml:"settlement"`
	Service    service.Config    `yaml:"service"`
	Buffers    memory.Config     `yaml:"buffers"`

	Network Network `yaml:"network"`
	// Feed is where failed settlements are broadcast. No brokers disables it.
	Feed      kafka.Config       `yaml:"feed"`
	Broadcast broadcaster.Config `yaml:"broadcast"`
	// Pool configures the simulated liquidity pool. No markets disables
	// external routing.
	Pool Pool `yaml:"pool"`
}

type Network struct {
	Kind    string        `yaml:"kind"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
	// Latency of the simulated network per submission.
	Latency time.Duration `yaml:"latency"`
}

type Pool struct {
	Latency time.Duration   `yaml:"latency"`
	Markets map[string]Quote `yaml:"markets"`
}

type Quote struct {
	Price    string `yaml:"price"` // decimal, e.g. "1.01"
	Capacity int64  `yaml:"capacity"`
}

func Default() Config {
	eng := engine.DefaultConfig()
	eng.Journal = engine.JournalConfig{Dir: "./journal", SegmentSize: 64 << 20}
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		DataDir:     "./data",
		Logging:     logging.Config{Level: "info", Encoding: "json"},
		Engine:      eng,
		Router:      router.DefaultConfig(),
		Settlement:  settlement.DefaultConfig(),
		Service:     service.DefaultConfig(),
		Buffers:     memory.Config{Initial: 16, Max: 1024},
		Network: Network{
			Kind:    NetworkSimulated,
			Topic:   "settlements",
			Timeout: 10 * time.Second,
			Latency: 5 * time.Millisecond,
		},
		Feed:      kafka.Config{Topic: "settlement-failures"},
		Broadcast: broadcaster.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: grpc_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	switch c.Network.Kind {
	case NetworkSimulated:
	case NetworkKafka:
		if len(c.Network.Brokers) == 0 || c.Network.Topic == "" {
			return errors.New("config: kafka network needs brokers and a topic")
		}
	default:
		return fmt.Errorf("config: unknown network kind %q", c.Network.Kind)
	}
	for pair, q := range c.Pool.Markets {
		if q.Capacity < 0 {
			return fmt.Errorf("config: pool %s: negative capacity", pair)
		}
	}
	return errors.Join(
		c.Logging.Validate(),
		c.Engine.Validate(),
		c.Router.Validate(),
		c.Settlement.Validate(),
	)
}

// overrideWithEnv applies HYDRA_* variables when set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("HYDRA_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("HYDRA_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("HYDRA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HYDRA_JOURNAL_DIR"); v != "" {
		cfg.Engine.Journal.Dir = v
	}
	if v := os.Getenv("HYDRA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HYDRA_PAIRS"); v != "" {
		cfg.Engine.Pairs = split(v)
	}
	if v := os.Getenv("HYDRA_NETWORK"); v != "" {
		cfg.Network.Kind = v
	}
	if v := os.Getenv("HYDRA_KAFKA_BROKERS"); v != "" {
		cfg.Network.Brokers = split(v)
		cfg.Feed.Brokers = split(v)
	}
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
