package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker's configuration. CLI flags are the primary
// source; LoadConfigFile optionally overlays a YAML file loaded before
// flags are applied, so a deployment can keep its settings in one place
// and still override individual values at the command line.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	Ports  PortRange    `yaml:"ports"`
}

// ListenConfig specifies the address the websocket control endpoint binds on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls the optional TLS listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both cert and key paths are configured and
// readable.
func (t TLSConfig) Enabled() bool {
	if t.CertFile == "" || t.KeyFile == "" {
		return false
	}
	if _, err := os.Stat(t.CertFile); err != nil {
		return false
	}
	if _, err := os.Stat(t.KeyFile); err != nil {
		return false
	}
	return true
}

// AuthConfig holds the shared secret required in REGISTER, if any.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// PortRange bounds the remote ports a TunnelSpec may request.
type PortRange struct {
	Start uint16 `yaml:"start"`
	End   uint16 `yaml:"end"`
}

// Contains reports whether port lies within [Start, End] inclusive.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// TunnelConfig controls session-loop behaviour.
type TunnelConfig struct {
	Path            string        `yaml:"path"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes"`
	StreamQueueSize int           `yaml:"stream_queue_size"`
	WriteQueueSize  int           `yaml:"write_queue_size"`
}

// DefaultConfig returns a Config populated with sane production defaults,
// enough to run a broker with no YAML file or flags beyond a token.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Addr: "0.0.0.0:8888"},
		Ports:  PortRange{Start: 10000, End: 20000},
		Tunnel: TunnelConfig{
			Path:            "/tunnel",
			PingInterval:    30 * time.Second,
			IdleTimeout:     90 * time.Second,
			MaxFrameBytes:   32 * 1024,
			StreamQueueSize: 64,
			WriteQueueSize:  256,
		},
	}
}

// LoadConfigFile overlays a YAML config file onto cfg. A missing path is not
// an error; the CLI flags alone are sufficient to run a broker.
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

// Validate checks that the assembled config is runnable.
func (c *Config) Validate() error {
	if c.Ports.Start == 0 || c.Ports.End == 0 || c.Ports.Start > c.Ports.End {
		return fmt.Errorf("invalid tunnel port range [%d, %d]", c.Ports.Start, c.Ports.End)
	}
	if c.Tunnel.Path == "" {
		return fmt.Errorf("tunnel path must not be empty")
	}
	return nil
}
