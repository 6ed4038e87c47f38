package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/curious-containers/ccagency/pkg/types"
)

// EnvConfigPath overrides the config file path given on the command line.
const EnvConfigPath = "CC_AGENCY_CONFIG"

// Config is the top-level agency configuration, loaded from YAML.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Broker     BrokerConfig     `yaml:"broker"`
	Controller ControllerConfig `yaml:"controller"`
	Trustee    TrusteeConfig    `yaml:"trustee"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig locates the embedded store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig configures the HTTP API process. TrustProxyHeaders must only
// be enabled behind a reverse proxy that strips inbound X-Forwarded-For.
type BrokerConfig struct {
	BindAddr          string     `yaml:"bind_addr"`
	ExternalURL       string     `yaml:"external_url"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	Auth              AuthConfig `yaml:"auth"`
}

// AuthConfig configures session cookies and the failed-attempt blocklist.
type AuthConfig struct {
	JWT            JWTConfig `yaml:"jwt"`
	BlockWindowSec int       `yaml:"block_window_sec"`
	BlockThreshold int       `yaml:"block_threshold"`
}

// JWTConfig holds the cookie signing key and token lifetimes in seconds.
// An empty SecretKey means a key is derived once and persisted next to the
// store with mode 0640.
type JWTConfig struct {
	SecretKey           string `yaml:"secret_key"`
	AccessTokenExpires  int    `yaml:"access_token_expires"`
	RefreshTokenExpires int    `yaml:"refresh_token_expires"`
}

// ControllerConfig configures the schedule loop and the node fleet.
type ControllerConfig struct {
	BindSocketPath        string       `yaml:"bind_socket_path"`
	SchedulingIntervalSec int          `yaml:"scheduling_interval_sec"`
	NodeTimeoutSec        int          `yaml:"node_timeout_sec"`
	MaxLaunchAttempts     int          `yaml:"max_launch_attempts"`
	RetryLimit            int          `yaml:"retry_limit"`
	Docker                DockerConfig `yaml:"docker"`
}

// DockerConfig declares the container hosts.
type DockerConfig struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// NodeConfig declares one container host.
type NodeConfig struct {
	NodeName string         `yaml:"nodeName"`
	URL      string         `yaml:"url"`
	Hardware types.Hardware `yaml:"hardware"`
}

// TrusteeConfig locates the external secret store.
type TrusteeConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads and validates the configuration. The CC_AGENCY_CONFIG
// environment variable, when set, overrides path.
func Load(path string) (*Config, error) {
	if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/ccagency"
	}
	if c.Broker.BindAddr == "" {
		c.Broker.BindAddr = "127.0.0.1:8080"
	}
	if c.Broker.ExternalURL == "" {
		c.Broker.ExternalURL = "http://" + c.Broker.BindAddr
	}
	if c.Broker.Auth.JWT.AccessTokenExpires == 0 {
		c.Broker.Auth.JWT.AccessTokenExpires = 3600
	}
	if c.Broker.Auth.JWT.RefreshTokenExpires == 0 {
		c.Broker.Auth.JWT.RefreshTokenExpires = 14 * 24 * 3600
	}
	if c.Broker.Auth.BlockWindowSec == 0 {
		c.Broker.Auth.BlockWindowSec = 60
	}
	if c.Broker.Auth.BlockThreshold == 0 {
		c.Broker.Auth.BlockThreshold = 3
	}
	if c.Controller.BindSocketPath == "" {
		c.Controller.BindSocketPath = "/var/run/ccagency/controller.sock"
	}
	if c.Controller.SchedulingIntervalSec == 0 {
		c.Controller.SchedulingIntervalSec = 5
	}
	if c.Controller.NodeTimeoutSec == 0 {
		c.Controller.NodeTimeoutSec = 30
	}
	if c.Controller.MaxLaunchAttempts == 0 {
		c.Controller.MaxLaunchAttempts = 5
	}
	if c.Controller.RetryLimit == 0 {
		c.Controller.RetryLimit = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration for values the processes cannot run
// with. Node declarations are checked here so the controller refuses to
// start with an inconsistent fleet.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, n := range c.Controller.Docker.Nodes {
		if n.NodeName == "" {
			return fmt.Errorf("controller.docker.nodes[%d]: nodeName is required", i)
		}
		if seen[n.NodeName] {
			return fmt.Errorf("controller.docker.nodes: duplicate nodeName %q", n.NodeName)
		}
		seen[n.NodeName] = true
		if n.URL == "" {
			return fmt.Errorf("controller.docker.nodes[%d] (%s): url is required", i, n.NodeName)
		}
		if n.Hardware.RAM <= 0 {
			return fmt.Errorf("controller.docker.nodes[%d] (%s): hardware.ram must be positive", i, n.NodeName)
		}
		gpuIDs := make(map[int]bool)
		for _, g := range n.Hardware.GPUs {
			if gpuIDs[g.ID] {
				return fmt.Errorf("controller.docker.nodes[%d] (%s): duplicate gpu id %d", i, n.NodeName, g.ID)
			}
			gpuIDs[g.ID] = true
			if g.VRAM <= 0 {
				return fmt.Errorf("controller.docker.nodes[%d] (%s): gpu %d vram must be positive", i, n.NodeName, g.ID)
			}
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	return nil
}

// Nodes converts the declared fleet into store documents.
func (c *Config) Nodes() []*types.Node {
	nodes := make([]*types.Node, 0, len(c.Controller.Docker.Nodes))
	for _, n := range c.Controller.Docker.Nodes {
		nodes = append(nodes, &types.Node{
			NodeName: n.NodeName,
			URL:      n.URL,
			Hardware: n.Hardware,
			State:    types.NodeOffline,
		})
	}
	return nodes
}
