// Package config loads the configuration shared by the load client and the demo server.
//
// Sources, lowest priority first: built-in defaults, an optional YAML file, SMURF_* environment
// variables, and finally flags set explicitly on the command line.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; the first underscore after it separates
// the section from the key: SMURF_CLIENT_REQ_NUM → client.req_num.
const EnvPrefix = "SMURF_"

var ErrInvalidTestCase = errors.New("test_case must be 1 or 2")

type Config struct {
	Client   ClientConfig   `koanf:"client"`
	Server   ServerConfig   `koanf:"server"`
	Registry RegistryConfig `koanf:"registry"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ClientConfig drives the load client.
type ClientConfig struct {
	IP             string        `koanf:"ip"`
	Port           int           `koanf:"port"`
	TestCase       int           `koanf:"test_case"`
	RequestCount   int           `koanf:"req_num"`
	Concurrency    int           `koanf:"concurrency"`
	Shards         int           `koanf:"shards"` // 0 = one per CPU
	CallTimeout    time.Duration `koanf:"call_timeout"`
	DialTimeout    time.Duration `koanf:"dial_timeout"`
	FailurePolicy  string        `koanf:"failure_policy"` // continue | abort
	AllowPartial   bool          `koanf:"allow_partial"`
	Retries        int           `koanf:"retries"`         // extra attempts after a lost connection or timeout
	RetryBackoff   time.Duration `koanf:"retry_backoff"`   // first retry delay, doubled each attempt
	Compression    string        `koanf:"compression"`     // none | disabled | zstd | lz4
	MemoryBytes    int64         `koanf:"memory_bytes"`    // per shard; 0 = unbounded
	MemoryFraction float64       `koanf:"memory_fraction"` // share of memory_bytes usable for in-flight payloads
	Output         string        `koanf:"output"`
	Balancer       string        `koanf:"balancer"`
}

// Address is the server the load client targets when no registry is configured.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// MemoryBudget is the per-shard budget for in-flight request payloads.
func (c ClientConfig) MemoryBudget() int64 {
	if c.MemoryBytes <= 0 {
		return 0
	}
	return int64(float64(c.MemoryBytes) * c.MemoryFraction)
}

// ServerConfig drives the demo server.
type ServerConfig struct {
	IP              string        `koanf:"ip"`
	Port            int           `koanf:"port"`
	Advertise       string        `koanf:"advertise"` // address put in the registry; defaults to ip:port
	Rate            float64       `koanf:"rate"`      // requests per second; 0 = unlimited
	Burst           int           `koanf:"burst"`
	HandlerTimeout  time.Duration `koanf:"handler_timeout"` // 0 = none
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

func (c ServerConfig) AdvertiseAddress() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Address()
}

type RegistryConfig struct {
	Endpoints []string `koanf:"endpoints"` // etcd; empty disables discovery
	TTL       int64    `koanf:"ttl"`       // lease seconds
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | text
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the /metrics endpoint
}

func defaults() map[string]any {
	return map[string]any{
		"client.ip":              "127.0.0.1",
		"client.port":            20776,
		"client.test_case":       1,
		"client.req_num":         1000,
		"client.concurrency":     10,
		"client.shards":          0,
		"client.call_timeout":    "10s",
		"client.dial_timeout":    "5s",
		"client.failure_policy":  "continue",
		"client.allow_partial":   false,
		"client.retries":         0,
		"client.retry_backoff":   "10ms",
		"client.compression":     "none",
		"client.memory_bytes":    0,
		"client.memory_fraction": 0.9,
		"client.output":          "clients_latency.hgrm",
		"client.balancer":        "round_robin",

		"server.ip":               "127.0.0.1",
		"server.port":             20776,
		"server.advertise":        "",
		"server.rate":             0,
		"server.burst":            0,
		"server.handler_timeout":  "0s",
		"server.shutdown_timeout": "5s",

		"registry.endpoints": []string{},
		"registry.ttl":       10,

		"logging.level":  "info",
		"logging.format": "json",

		"metrics.addr": "",
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped when path is
// empty), the environment, and overrides keyed by dotted config path such as "client.req_num".
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to access config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps SMURF_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}
