// Package config loads node configuration from defaults, an optional YAML
// file and the environment, in that order. Command-line flags are applied
// last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

type Config struct {
	// Name identifies the node in the cluster; random when unset.
	Name       string `yaml:"name"`
	PeerHost   string `yaml:"peer_host"`
	PeerPort   int    `yaml:"peer_port"`
	ClientAddr string `yaml:"client_addr"`
	// Bootstrap is a seed identity, name=host:port.
	Bootstrap string `yaml:"bootstrap"`

	StoreCapacity int `yaml:"store_capacity_bytes"`

	Etcd   EtcdConfig   `yaml:"etcd"`
	Gossip GossipConfig `yaml:"membership"`
	Log    LogConfig    `yaml:"log"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type GossipConfig struct {
	FailureDetectionInterval     time.Duration `yaml:"failure_detection_interval"`
	FailureDetectionSubgroupSize int           `yaml:"failure_detection_subgroup_size"`
	GossipInterval               time.Duration `yaml:"gossip_interval"`
	GossipSubgroupSize           int           `yaml:"gossip_subgroup_size"`
	Jitter                       time.Duration `yaml:"jitter"`
	StartupGracePeriod           time.Duration `yaml:"startup_grace_period"`
	PeerTimeout                  time.Duration `yaml:"peer_timeout"`
	IndirectTimeout              time.Duration `yaml:"indirect_timeout"`
	TableMinSize                 int           `yaml:"table_min_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

func Default() Config {
	g := gossip.DefaultConfig(gossip.Identity{})
	return Config{
		Name:          uuid.NewString(),
		PeerHost:      "127.0.0.1",
		PeerPort:      4001,
		ClientAddr:    ":8080",
		StoreCapacity: 64 << 20,
		Etcd: EtcdConfig{
			Prefix:      "/zephyr/nodes/",
			LeaseTTL:    10,
			DialTimeout: 5 * time.Second,
		},
		Gossip: GossipConfig{
			FailureDetectionInterval:     g.FailureDetectionInterval,
			FailureDetectionSubgroupSize: g.FailureDetectionSubgroupSize,
			GossipInterval:               g.GossipInterval,
			GossipSubgroupSize:           g.GossipSubgroupSize,
			Jitter:                       g.Jitter,
			StartupGracePeriod:           g.StartupGracePeriod,
			PeerTimeout:                  g.PeerTimeout,
			IndirectTimeout:              g.IndirectTimeout,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables. SELF_ID and SELF_ADDR name the
// node and its client address; the rest use the ZEPHYR_ prefix.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Name, "SELF_ID")
	set(&c.ClientAddr, "SELF_ADDR")
	set(&c.PeerHost, "ZEPHYR_PEER_HOST")
	set(&c.Bootstrap, "ZEPHYR_BOOTSTRAP")
	set(&c.Etcd.Prefix, "ZEPHYR_ETCD_PREFIX")
	set(&c.Log.Level, "ZEPHYR_LOG_LEVEL")
	set(&c.Log.Format, "ZEPHYR_LOG_FORMAT")

	if v := getenv("ZEPHYR_PEER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ZEPHYR_PEER_PORT: %w", err)
		}
		c.PeerPort = port
	}
	if v := getenv("ZEPHYR_STORE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ZEPHYR_STORE_CAPACITY: %w", err)
		}
		c.StoreCapacity = n
	}
	if v := getenv("ZEPHYR_ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.Name == "" || strings.ContainsAny(c.Name, "=:") {
		errs = append(errs, fmt.Errorf("name %q must be non-empty and contain no '=' or ':'", c.Name))
	}
	if c.PeerHost == "" {
		errs = append(errs, errors.New("peer_host is required"))
	}
	if c.PeerPort <= 0 || c.PeerPort > 65535 {
		errs = append(errs, fmt.Errorf("peer_port %d out of range", c.PeerPort))
	}
	if c.ClientAddr == "" {
		errs = append(errs, errors.New("client_addr is required"))
	}
	if c.StoreCapacity <= 0 {
		errs = append(errs, errors.New("store_capacity_bytes must be positive"))
	}
	if c.Bootstrap != "" {
		if _, err := gossip.ParseIdentity(c.Bootstrap); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap: %w", err))
		}
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL <= 0 {
		errs = append(errs, errors.New("etcd.lease_ttl must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}
	if err := c.Membership().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) Identity() gossip.Identity {
	return gossip.Identity{Name: c.Name, Host: c.PeerHost, Port: c.PeerPort}
}

// Seed parses Bootstrap; ok is false when none is configured.
func (c Config) Seed() (seed gossip.Identity, ok bool, err error) {
	if c.Bootstrap == "" {
		return gossip.Identity{}, false, nil
	}
	seed, err = gossip.ParseIdentity(c.Bootstrap)
	if err != nil {
		return gossip.Identity{}, false, err
	}
	return seed, true, nil
}

// Membership converts to the membership service configuration.
func (c Config) Membership() gossip.Config {
	g := c.Gossip
	return gossip.Config{
		Self:                         c.Identity(),
		FailureDetectionInterval:     g.FailureDetectionInterval,
		FailureDetectionSubgroupSize: g.FailureDetectionSubgroupSize,
		GossipInterval:               g.GossipInterval,
		GossipSubgroupSize:           g.GossipSubgroupSize,
		Jitter:                       g.Jitter,
		StartupGracePeriod:           g.StartupGracePeriod,
		PeerTimeout:                  g.PeerTimeout,
		IndirectTimeout:              g.IndirectTimeout,
		TableMinSize:                 g.TableMinSize,
	}
}
