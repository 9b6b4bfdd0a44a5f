package proxyfleet

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document (spec §6).
type Config struct {
	Chains               []ChainConfig   `yaml:"Chains"`
	Commons              []CommonConfig  `yaml:"Commons"`
	Monitor              MonitorConfig   `yaml:"Monitor"`
	UnifyProxyListenPort int             `yaml:"UnifyProxyListenPort,omitempty"`
}

// ChainConfig is one `Chains[]` entry.
type ChainConfig struct {
	Name           string                `yaml:"Name"`
	Protocol       string                `yaml:"Protocol"`
	ChainType      string                `yaml:"ChainType"`
	Listen         uint16                `yaml:"Listen"`
	Interval       int                   `yaml:"Interval"`
	BlockGap       uint64                `yaml:"BlockGap"`
	LogRequest     bool                  `yaml:"LogRequest"`
	Nodes          []NodeConfig          `yaml:"Nodes"`
	HealthCheck    HealthCheckConfig     `yaml:"HealthCheck"`
	SpecialMethods []SpecialMethodConfig `yaml:"SpecialMethods,omitempty"`
}

// CommonConfig is one `Commons[]` entry - a ChainConfig minus ChainType and
// BlockGap (spec §6).
type CommonConfig struct {
	Name        string            `yaml:"Name"`
	Protocol    string            `yaml:"Protocol"`
	Listen      uint16            `yaml:"Listen"`
	Interval    int               `yaml:"Interval"`
	LogRequest  bool              `yaml:"LogRequest"`
	Nodes       []NodeConfig      `yaml:"Nodes"`
	HealthCheck HealthCheckConfig `yaml:"HealthCheck"`
}

// NodeConfig is one configured upstream.
type NodeConfig struct {
	Address       string            `yaml:"Address"`
	Priority      int32             `yaml:"Priority"`
	UserName      string            `yaml:"UserName,omitempty"`
	Pass          string            `yaml:"Pass,omitempty"`
	CustomHeaders map[string]string `yaml:"CustomHeaders,omitempty"`
	WebSocketURL  string            `yaml:"WebSocketURL,omitempty"`
}

// HealthCheckConfig configures the probe path/method/body.
type HealthCheckConfig struct {
	Path        string `yaml:"Path"`
	Method      string `yaml:"Method"`
	RequestBody string `yaml:"RequestBody,omitempty"`
}

// SpecialMethodConfig is one `SpecialMethods[]` entry.
type SpecialMethodConfig struct {
	MethodName string       `yaml:"MethodName"`
	Nodes      []NodeConfig `yaml:"Nodes"`
}

// MonitorConfig is the Prometheus endpoint configuration.
type MonitorConfig struct {
	Listen uint16 `yaml:"Listen"`
	System string `yaml:"System"`
}

// LoadConfig reads and parses a YAML config file from path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() error {
	for i := range c.Chains {
		if c.Chains[i].Interval <= 0 {
			c.Chains[i].Interval = 15
		}
		if c.Chains[i].HealthCheck.Method == "" {
			c.Chains[i].HealthCheck.Method = "POST"
		}
	}
	for i := range c.Commons {
		if c.Commons[i].Interval <= 0 {
			c.Commons[i].Interval = 15
		}
		if c.Commons[i].HealthCheck.Method == "" {
			c.Commons[i].HealthCheck.Method = "GET"
		}
	}
	if c.Monitor.System == "" {
		c.Monitor.System = "chain_proxy_fleet"
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Chains) == 0 && len(c.Commons) == 0 {
		return fmt.Errorf("at least one chain or common listener must be configured")
	}
	for _, ch := range c.Chains {
		switch ch.Protocol {
		case "jsonrpc", "http", "grpc":
		default:
			return fmt.Errorf("chain %s: invalid protocol %q", ch.Name, ch.Protocol)
		}
		if len(ch.Nodes) == 0 {
			return fmt.Errorf("chain %s: at least one node required", ch.Name)
		}
		for _, n := range ch.Nodes {
			if _, err := url.Parse(n.Address); err != nil {
				return fmt.Errorf("chain %s: invalid node address %q: %w", ch.Name, n.Address, err)
			}
		}
	}
	for _, co := range c.Commons {
		switch co.Protocol {
		case "jsonrpc", "http", "grpc":
		default:
			return fmt.Errorf("common %s: invalid protocol %q", co.Name, co.Protocol)
		}
		if len(co.Nodes) == 0 {
			return fmt.Errorf("common %s: at least one node required", co.Name)
		}
	}
	return nil
}

// BuildNodeDescriptor derives a NodeDescriptor from a parsed URL the way the
// service factory does at startup (spec §4.5 step 1): scheme determines
// proxy_tls and the default port, host is both proxy_addr and
// proxy_hostname, and proxy_uri is the scheme+host+path with no query.
func BuildNodeDescriptor(n NodeConfig, chainType string, interval time.Duration, blockGap uint64, probe HealthCheckConfig) (NodeDescriptor, error) {
	u, err := url.Parse(n.Address)
	if err != nil {
		return NodeDescriptor{}, fmt.Errorf("parsing node address %q: %w", n.Address, err)
	}

	tls := u.Scheme == "https"
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if tls {
			port = "443"
		}
		addr = u.Hostname() + ":" + port
	}

	var body []byte
	if probe.RequestBody != "" {
		body = []byte(probe.RequestBody)
	}

	return NodeDescriptor{
		ProxyAddr:     addr,
		ProxyTLS:      tls,
		ProxyHostname: u.Host,
		ProxyURI:      u.Scheme + "://" + u.Host + u.Path,
		Priority:      n.Priority,
		BlockGap:      blockGap,
		ChainType:     chainType,
		WebSocketURL:  n.WebSocketURL,
		HealthProbe: HealthProbeSpec{
			Path:          probe.Path,
			Method:        probe.Method,
			RequestBody:   body,
			Interval:      interval,
			AuthUser:      n.UserName,
			AuthPass:      n.Pass,
			CustomHeaders: n.CustomHeaders,
		},
	}, nil
}
