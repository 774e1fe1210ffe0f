package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reverseproxy/internal/protocol"
)

// Config holds the agent's configuration. CLI flags are the primary
// source; LoadConfigFile optionally overlays a YAML file loaded before
// flags are applied, so a deployment can keep its settings in one place
// and still override individual values at the command line.
type Config struct {
	ServerURL string                `yaml:"server_url"`
	Name      string                `yaml:"name"`
	Token     string                `yaml:"token"`
	Tunnels   []protocol.TunnelSpec `yaml:"tunnels"`

	ProxyURL string `yaml:"proxy_url"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// DefaultConfig returns a Config populated with sane defaults for dial
// timeout, keepalive interval, and reconnect backoff.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:       10 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
	}
}

// LoadConfigFile overlays a YAML config file onto cfg. A missing path is not
// an error; the CLI flags alone are sufficient to run an agent.
func LoadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// Validate checks that the config has everything required to register.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if len(c.Tunnels) == 0 {
		return fmt.Errorf("at least one tunnel spec is required")
	}
	return nil
}

// ParseTunnelSpec parses one `-t/--tunnel` flag value into a TunnelSpec:
// `tcp:<local_port>:<remote_port>` or
// `tcp:<local_host>:<local_port>:<remote_port>`.
func ParseTunnelSpec(raw string) (protocol.TunnelSpec, error) {
	fields := strings.Split(raw, ":")
	if len(fields) != 3 && len(fields) != 4 {
		return protocol.TunnelSpec{}, fmt.Errorf("tunnel spec %q: expected 3 or 4 colon-delimited fields", raw)
	}
	proto := fields[0]
	if proto != "tcp" {
		return protocol.TunnelSpec{}, fmt.Errorf("tunnel spec %q: unsupported proto %q", raw, proto)
	}

	localHost := "127.0.0.1"
	var localPortStr, remotePortStr string
	if len(fields) == 3 {
		localPortStr, remotePortStr = fields[1], fields[2]
	} else {
		localHost, localPortStr, remotePortStr = fields[1], fields[2], fields[3]
	}

	localPort, err := parsePort(localPortStr)
	if err != nil {
		return protocol.TunnelSpec{}, fmt.Errorf("tunnel spec %q: local_port: %w", raw, err)
	}
	remotePort, err := parsePort(remotePortStr)
	if err != nil {
		return protocol.TunnelSpec{}, fmt.Errorf("tunnel spec %q: remote_port: %w", raw, err)
	}

	return protocol.TunnelSpec{
		Proto:      proto,
		LocalHost:  localHost,
		LocalPort:  localPort,
		RemotePort: remotePort,
	}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(n), nil
}

// TunnelSpecList accumulates repeated `-t/--tunnel` flag occurrences. It
// implements flag.Value so cmd/agent can register it directly with the
// standard flag package.
type TunnelSpecList struct {
	Specs *[]protocol.TunnelSpec
}

// String renders the accumulated specs back into their CLI form.
func (f *TunnelSpecList) String() string {
	if f.Specs == nil || len(*f.Specs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*f.Specs))
	for _, s := range *f.Specs {
		parts = append(parts, fmt.Sprintf("tcp:%s:%d:%d", s.LocalHost, s.LocalPort, s.RemotePort))
	}
	return strings.Join(parts, ",")
}

// Set parses one occurrence of the flag and appends it to Specs.
func (f *TunnelSpecList) Set(raw string) error {
	spec, err := ParseTunnelSpec(raw)
	if err != nil {
		return err
	}
	*f.Specs = append(*f.Specs, spec)
	return nil
}
