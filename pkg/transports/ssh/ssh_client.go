package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openfroyo/sshexec/pkg/telemetry"
	"golang.org/x/crypto/ssh"
)

// SSH prepares authenticated clients for one host. It is safe for concurrent use:
// every connection, background process and tunnel gets its own client.
type SSH struct {
	host   Host
	config *Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// New returns a connection factory for host. A nil cfg means DefaultConfig().
func New(host Host, cfg *Config) (*SSH, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := host.Validate(); err != nil {
		return nil, err
	}

	tel := cfg.telemetry()
	return &SSH{
		host:   host,
		config: cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("ssh").WithHost(host.String()),
	}, nil
}

// Host returns the coordinates clients are prepared for.
func (s *SSH) Host() Host {
	return s.host
}

// NewConnection prepares a client and wraps it in a Connection that owns it.
func (s *SSH) NewConnection(ctx context.Context) (*Connection, error) {
	client, info, err := s.prepareClient(ctx)
	if err != nil {
		return nil, err
	}
	return newConnection(s, client, info), nil
}

// prepareClient connects, authenticates and starts keep-alive. Only the TCP
// connect is retried; a rejected handshake fails immediately.
func (s *SSH) prepareClient(ctx context.Context) (_ *ssh.Client, _ ConnectionInfo, err error) {
	ctx, span := s.tel.Tracer.StartConnectSpan(ctx, s.host.String())
	defer func() {
		result := "success"
		if err != nil {
			result = ErrorClass(err)
			s.tel.Metrics.RecordError(result)
			span.SetAttributes(telemetry.AttrErrorClass.String(result))
		}
		s.tel.Metrics.RecordConnection(result)
		telemetry.EndSpan(span, err)
	}()

	address := s.host.Addr()

	clientConfig, err := s.config.clientConfig(s.host)
	if err != nil {
		return nil, ConnectionInfo{}, &AuthenticationError{Address: address, User: s.host.User, Err: err}
	}

	var jump *ssh.Client
	if s.config.JumpHost != nil {
		jump, err = s.jumpFactory().dialJump(ctx)
		if err != nil {
			return nil, ConnectionInfo{}, err
		}
	}

	conn, attempts, err := s.dial(ctx, address, jump)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return nil, ConnectionInfo{}, err
	}
	span.SetAttributes(telemetry.AttrAttempts.Int(attempts))

	// The handshake is bounded by ConnectionTimeout; channel conns of a jump
	// client ignore deadlines.
	_ = conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		if jump != nil {
			_ = jump.Close()
		}
		return nil, ConnectionInfo{}, &AuthenticationError{Address: address, User: s.host.User, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(clientConn, chans, reqs)
	go s.watch(client, jump)

	info := ConnectionInfo{
		Host:        s.host.Address,
		Port:        s.host.Port,
		User:        s.host.User,
		ConnectedAt: time.Now(),
		Attempts:    attempts,
	}

	s.logger.Debugf("SSH connection established after %d attempt(s)", attempts)
	_ = s.tel.Events.PublishConnectionEstablished(s.host.String(), attempts)

	return client, info, nil
}

// dial opens the TCP connection (or a direct-tcpip channel through jump),
// retrying with exponential backoff up to ConnectivityPatience attempts.
func (s *SSH) dial(ctx context.Context, address string, jump *ssh.Client) (net.Conn, int, error) {
	dialer := &net.Dialer{Timeout: s.config.ConnectionTimeout}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryBaseBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.config.RetryBaseBackoff << s.config.ConnectivityPatience

	attempts := 0
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		attempts++
		var (
			conn net.Conn
			err  error
		)
		if jump != nil {
			conn, err = jump.DialContext(ctx, "tcp", address)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", address)
		}
		s.tel.Metrics.RecordConnectAttempt(err == nil)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return conn, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.config.ConnectivityPatience)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WithError(err).Debugf("connect attempt %d failed, retrying in %s", attempts, next)
		}),
	)
	if err != nil {
		return nil, attempts, &ConnectivityError{Address: address, Attempts: attempts, Err: err}
	}
	return conn, attempts, nil
}

func (s *SSH) jumpFactory() *SSH {
	cfg := *s.config
	cfg.JumpHost = nil
	jump := *s.config.JumpHost
	return &SSH{
		host:   jump,
		config: &cfg,
		tel:    s.tel,
		logger: s.tel.Logger.NewComponentLogger("ssh").WithHost(jump.String()),
	}
}

func (s *SSH) dialJump(ctx context.Context) (*ssh.Client, error) {
	client, _, err := s.prepareClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("jump host %s: %w", s.host, err)
	}
	return client, nil
}

// watch sends keep-alive requests until the client closes, then releases the
// jump client the connection was tunnelled through.
func (s *SSH) watch(client *ssh.Client, jump *ssh.Client) {
	closed := make(chan struct{})
	go func() {
		_ = client.Wait()
		close(closed)
	}()

	if s.config.KeepAliveInterval > 0 {
		s.keepAlive(client, closed)
	}

	<-closed
	if jump != nil {
		_ = jump.Close()
	}
}

func (s *SSH) keepAlive(client *ssh.Client, closed <-chan struct{}) {
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			s.logger.WithError(err).Warnf("keep-alive failed (%d in a row)", failures)
			if failures >= s.config.MaxKeepAliveRetries {
				s.logger.Error("keep-alive failed too many times, connection may be dead")
				return
			}
		} else {
			failures = 0
		}
	}
}
