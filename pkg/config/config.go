package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/openfroyo/sshexec/pkg/transports/ssh"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the command line tool looks for its configuration.
const DefaultPath = "~/.sshexec/config.yaml"

// ErrUnknownHost is returned when a host name is not in the inventory.
var ErrUnknownHost = errors.New("unknown host")

var validate = validator.New()

// Config is the configuration file of the command line tool.
type Config struct {
	// Hosts is the inventory of named hosts.
	Hosts map[string]ssh.Host `yaml:"hosts"`

	// DefaultHost names the host used when none is given.
	DefaultHost string `yaml:"defaultHost,omitempty"`

	SSH       SSHConfig       `yaml:"ssh"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Store     StoreConfig     `yaml:"store"`
}

// SSHConfig is the connection policy applied to every host.
type SSHConfig struct {
	ConnectivityPatience  int           `yaml:"connectivityPatience" validate:"min=1,max=16"`
	RetryBaseBackoff      time.Duration `yaml:"retryBaseBackoff" validate:"min=0"`
	ConnectionTimeout     time.Duration `yaml:"connectionTimeout" validate:"gt=0"`
	CommandTimeout        time.Duration `yaml:"commandTimeout" validate:"gt=0"`
	KeepAliveInterval     time.Duration `yaml:"keepAliveInterval" validate:"min=0"`
	MaxKeepAliveRetries   int           `yaml:"maxKeepAliveRetries" validate:"min=0"`
	StrictHostKeyChecking bool          `yaml:"strictHostKeyChecking"`
	KnownHostsPath        string        `yaml:"knownHostsPath,omitempty" validate:"required_if=StrictHostKeyChecking true"`

	// JumpHost names an inventory host every connection is tunnelled through.
	JumpHost string `yaml:"jumpHost,omitempty"`
}

// TelemetryConfig selects logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string        `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	LogFormat string        `yaml:"logFormat" validate:"oneof=console json"`
	LogOutput string        `yaml:"logOutput,omitempty"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Tracing   TracingConfig `yaml:"tracing"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress,omitempty" validate:"required_if=Enabled true"`
}

// TracingConfig enables span export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" validate:"min=0,max=1"`
	Insecure     bool    `yaml:"insecure"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Journal records every execution in the store.
	Journal bool `yaml:"journal"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	def := ssh.DefaultConfig()
	return &Config{
		Hosts: map[string]ssh.Host{},
		SSH: SSHConfig{
			ConnectivityPatience: def.ConnectivityPatience,
			RetryBaseBackoff:     def.RetryBaseBackoff,
			ConnectionTimeout:    def.ConnectionTimeout,
			CommandTimeout:       def.CommandTimeout,
			KeepAliveInterval:    def.KeepAliveInterval,
			MaxKeepAliveRetries:  def.MaxKeepAliveRetries,
			KnownHostsPath:       "~/.ssh/known_hosts",
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Metrics: MetricsConfig{
				ListenAddress: ":9090",
			},
			Tracing: TracingConfig{
				Exporter:     "stdout",
				SamplingRate: 1.0,
				Insecure:     true,
			},
		},
		Store: StoreConfig{
			Path:    "~/.sshexec/sshexec.db",
			Journal: true,
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates it.
// Relative key paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.resolvePaths(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := cfg.resolvePaths(""); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]ssh.Host{}
	}
	return cfg, nil
}

// Validate checks field constraints and cross references between hosts.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	for _, name := range c.HostNames() {
		if err := c.Hosts[name].Validate(); err != nil {
			return fmt.Errorf("host %q: %w", name, err)
		}
	}

	if c.DefaultHost != "" {
		if _, ok := c.Hosts[c.DefaultHost]; !ok {
			return fmt.Errorf("default host %q: %w", c.DefaultHost, ErrUnknownHost)
		}
	}

	if c.SSH.JumpHost != "" {
		if _, ok := c.Hosts[c.SSH.JumpHost]; !ok {
			return fmt.Errorf("jump host %q: %w", c.SSH.JumpHost, ErrUnknownHost)
		}
	}

	return nil
}

// HostNames returns the inventory names in order.
func (c *Config) HostNames() []string {
	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host looks a host up by name. An empty name means DefaultHost.
func (c *Config) Host(name string) (ssh.Host, error) {
	if name == "" {
		name = c.DefaultHost
	}
	if name == "" {
		return ssh.Host{}, fmt.Errorf("no host given and no default host configured")
	}

	host, ok := c.Hosts[name]
	if !ok {
		return ssh.Host{}, fmt.Errorf("%q: %w", name, ErrUnknownHost)
	}
	return host, nil
}

// HostName returns the inventory name of host, or "" if it is not in the inventory.
func (c *Config) HostName(host ssh.Host) string {
	for _, name := range c.HostNames() {
		h := c.Hosts[name]
		if h.Address == host.Address && h.Port == host.Port && h.User == host.User {
			return name
		}
	}
	return ""
}

// SSHConfig builds the connection policy, resolving the jump host.
func (c *Config) SSHConfig(tel *telemetry.Telemetry) (*ssh.Config, error) {
	cfg := &ssh.Config{
		ConnectivityPatience:  c.SSH.ConnectivityPatience,
		RetryBaseBackoff:      c.SSH.RetryBaseBackoff,
		ConnectionTimeout:     c.SSH.ConnectionTimeout,
		CommandTimeout:        c.SSH.CommandTimeout,
		KeepAliveInterval:     c.SSH.KeepAliveInterval,
		MaxKeepAliveRetries:   c.SSH.MaxKeepAliveRetries,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		Telemetry:             tel,
	}

	if c.SSH.JumpHost != "" {
		jump, err := c.Host(c.SSH.JumpHost)
		if err != nil {
			return nil, fmt.Errorf("jump host: %w", err)
		}
		cfg.JumpHost = &jump
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TelemetryConfig maps the file's telemetry section onto the telemetry defaults.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}

	cfg.Logging.Level = c.Telemetry.LogLevel
	cfg.Logging.Format = c.Telemetry.LogFormat
	if c.Telemetry.LogOutput != "" {
		cfg.Logging.Output = c.Telemetry.LogOutput
	}

	cfg.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	if c.Telemetry.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	}

	cfg.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	cfg.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	cfg.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	cfg.Tracing.Insecure = c.Telemetry.Tracing.Insecure

	return cfg
}

// resolvePaths expands "~" everywhere and makes key paths absolute relative to dir.
func (c *Config) resolvePaths(dir string) error {
	var err error

	if c.SSH.KnownHostsPath, err = ExpandHome(c.SSH.KnownHostsPath); err != nil {
		return err
	}
	if c.Store.Path, err = ExpandHome(c.Store.Path); err != nil {
		return err
	}

	for name, host := range c.Hosts {
		keyPath, kerr := host.KeyPath()
		if kerr != nil {
			continue
		}
		if keyPath, err = ExpandHome(keyPath); err != nil {
			return err
		}
		if !filepath.IsAbs(keyPath) && dir != "" {
			keyPath = filepath.Join(dir, keyPath)
		}
		host.Authentication = ssh.PublicKeyAuthentication{KeyPath: keyPath}
		c.Hosts[name] = host
	}

	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
