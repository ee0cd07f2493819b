// Package config loads node configuration from a YAML file with defaults,
// then applies environment variable overrides, driven by gopkg.in/yaml.v3
// and os.LookupEnv.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hivecore/hive/kernel/utils"
)

// Config holds every tunable named in the configuration surface: transport
// identity and binding, job scheduler concurrency, and telemetry exposure.
type Config struct {
	Net struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		Threads int    `yaml:"threads"`
		Server  struct {
			AutoInit bool `yaml:"auto-init"`
		} `yaml:"server"`
		Node struct {
			ID string `yaml:"id"`
		} `yaml:"node"`
		Transport        string        `yaml:"transport"`
		HandshakeTimeout time.Duration `yaml:"handshake-timeout"`
		IdleTimeout      time.Duration `yaml:"idle-timeout"`
		CleanupInterval  time.Duration `yaml:"cleanup-interval"`
	} `yaml:"net"`

	Jobs struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"jobs"`

	Telemetry struct {
		MetricsAddr string `yaml:"metrics-addr"`
	} `yaml:"telemetry"`
}

// Default returns the configuration's baked-in defaults. net.node.id is
// left empty here; Load resolves it to a persisted identity.
func Default() *Config {
	cfg := &Config{}
	cfg.Net.Address = "127.0.0.1"
	cfg.Net.Port = 9000
	cfg.Net.Threads = 1
	cfg.Net.Server.AutoInit = true
	cfg.Net.Transport = "libp2p"
	cfg.Net.HandshakeTimeout = 5 * time.Second
	cfg.Net.IdleTimeout = 5 * time.Second
	cfg.Net.CleanupInterval = time.Second
	cfg.Jobs.Concurrency = 4
	return cfg
}

// Load reads path as YAML over top of Default(), applies environment
// overrides, and resolves net.node.id against identityPath (generating and
// persisting a new node id there if none exists yet). A missing config file
// is not an error: defaults and env overrides still apply.
func Load(path, identityPath string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, utils.WrapError(err, "parse config file")
		}
	} else if !os.IsNotExist(err) {
		return nil, utils.WrapError(err, "read config file")
	}

	applyEnvOverrides(cfg)

	nodeID, err := LoadOrCreateNodeID(identityPath, cfg.Net.Node.ID)
	if err != nil {
		return nil, err
	}
	cfg.Net.Node.ID = nodeID

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("HIVE_NET_ADDRESS"); ok {
		cfg.Net.Address = v
	}
	if v, ok := os.LookupEnv("HIVE_NET_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Net.Port = n
		}
	}
	if v, ok := os.LookupEnv("HIVE_NET_THREADS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Net.Threads = n
		}
	}
	if v, ok := os.LookupEnv("HIVE_NET_SERVER_AUTOINIT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Net.Server.AutoInit = b
		}
	}
	if v, ok := os.LookupEnv("HIVE_NET_NODE_ID"); ok {
		cfg.Net.Node.ID = v
	}
	if v, ok := os.LookupEnv("HIVE_NET_TRANSPORT"); ok {
		cfg.Net.Transport = v
	}
	if v, ok := os.LookupEnv("HIVE_NET_HANDSHAKE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Net.HandshakeTimeout = d
		}
	}
	if v, ok := os.LookupEnv("HIVE_NET_IDLE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Net.IdleTimeout = d
		}
	}
	if v, ok := os.LookupEnv("HIVE_NET_CLEANUP_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Net.CleanupInterval = d
		}
	}
	if v, ok := os.LookupEnv("HIVE_JOBS_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.Concurrency = n
		}
	}
	if v, ok := os.LookupEnv("HIVE_TELEMETRY_METRICS_ADDR"); ok {
		cfg.Telemetry.MetricsAddr = v
	}
}
