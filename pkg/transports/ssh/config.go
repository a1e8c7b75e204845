package ssh

import (
	"fmt"
	"time"

	"github.com/openfroyo/sshexec/pkg/telemetry"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Defaults applied by DefaultConfig.
const (
	DefaultConnectivityPatience = 4
	DefaultRetryBaseBackoff     = time.Second
	DefaultConnectionTimeout    = 30 * time.Second
	DefaultCommandTimeout       = 30 * time.Second
	DefaultKeepAliveInterval    = 60 * time.Second
	DefaultMaxKeepAliveRetries  = 3
)

// Config holds the connection policy shared by every client prepared for a host.
type Config struct {
	// ConnectivityPatience is the total number of TCP connect attempts
	ConnectivityPatience int

	// RetryBaseBackoff is the wait after the first failed attempt; it doubles after each failure
	RetryBaseBackoff time.Duration

	// ConnectionTimeout bounds each TCP connect attempt and the handshake
	ConnectionTimeout time.Duration

	// CommandTimeout is the default timeout for command execution
	CommandTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the number of consecutive keep-alive failures before giving up
	MaxKeepAliveRetries int

	// StrictHostKeyChecking verifies host keys against KnownHostsPath.
	// When false every host key is accepted.
	StrictHostKeyChecking bool

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// HostKeyCallback overrides the known_hosts policy when set
	HostKeyCallback ssh.HostKeyCallback

	// JumpHost, when set, is connected to first and the target is reached through it
	JumpHost *Host

	// Telemetry receives logs, spans, metrics and events. Nil means telemetry.Nop().
	Telemetry *telemetry.Telemetry
}

// DefaultConfig returns a Config with the default connection policy.
// Host keys are not verified: the defaults target short lived test hosts.
func DefaultConfig() *Config {
	return &Config{
		ConnectivityPatience: DefaultConnectivityPatience,
		RetryBaseBackoff:     DefaultRetryBaseBackoff,
		ConnectionTimeout:    DefaultConnectionTimeout,
		CommandTimeout:       DefaultCommandTimeout,
		KeepAliveInterval:    DefaultKeepAliveInterval,
		MaxKeepAliveRetries:  DefaultMaxKeepAliveRetries,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ConnectivityPatience < 1 {
		return fmt.Errorf("connectivity patience must be at least 1, got %d", c.ConnectivityPatience)
	}

	if c.RetryBaseBackoff < 0 {
		return fmt.Errorf("retry base backoff must not be negative")
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keep-alive interval must not be negative")
	}

	if c.KeepAliveInterval > 0 && c.MaxKeepAliveRetries < 1 {
		return fmt.Errorf("max keep-alive retries must be positive when keep-alive is enabled")
	}

	if c.StrictHostKeyChecking && c.HostKeyCallback == nil && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required for strict host key checking")
	}

	if c.JumpHost != nil {
		if err := c.JumpHost.Validate(); err != nil {
			return fmt.Errorf("invalid jump host: %w", err)
		}
	}

	return nil
}

func (c *Config) telemetry() *telemetry.Telemetry {
	if c.Telemetry == nil {
		return telemetry.Nop()
	}
	return c.Telemetry
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKeyCallback != nil {
		return c.HostKeyCallback, nil
	}
	if c.StrictHostKeyChecking {
		callback, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return callback, nil
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// clientConfig builds the handshake configuration for host.
func (c *Config) clientConfig(host Host) (*ssh.ClientConfig, error) {
	if host.Authentication == nil {
		return nil, fmt.Errorf("host %s has no authentication", host)
	}

	authMethods, err := host.Authentication.AuthMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}
