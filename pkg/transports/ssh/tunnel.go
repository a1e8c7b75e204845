package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/openfroyo/sshexec/pkg/telemetry"
	"golang.org/x/crypto/ssh"
)

// Tunnel directions used as metric labels, span names and events.
const (
	directionLocal  = "local"
	directionRemote = "remote"
)

// tunnel relays every connection accepted on listener to a freshly dialled
// peer until closed. It owns its client.
type tunnel struct {
	id         string
	direction  string
	host       string
	localPort  int
	remotePort int

	client   *ssh.Client
	listener net.Listener
	dial     func() (net.Conn, error)

	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	closed atomic.Bool
}

// LocalTunnel forwards connections made to a local port to a port on the remote
// host's loopback interface.
type LocalTunnel struct {
	*tunnel
}

// RemoteTunnel forwards connections made to a port on the remote host to a port
// on the local loopback interface.
type RemoteTunnel struct {
	*tunnel
}

// ForwardLocalPort listens on localhost:localPort and relays each connection to
// localhost:remotePort as seen from the remote host, over a dedicated client.
// Port 0 picks a free local port; see LocalPort.
func (s *SSH) ForwardLocalPort(ctx context.Context, localPort, remotePort int) (*LocalTunnel, error) {
	target := net.JoinHostPort("localhost", strconv.Itoa(remotePort))

	t, err := s.openTunnel(ctx, directionLocal, localPort, remotePort,
		func(*ssh.Client) (net.Listener, error) {
			return net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(localPort)))
		},
		func(client *ssh.Client) (net.Conn, error) {
			return client.Dial("tcp", target)
		},
	)
	if err != nil {
		return nil, err
	}
	return &LocalTunnel{t}, nil
}

// ForwardRemotePort asks the remote host to listen on 0.0.0.0:remotePort and
// relays each connection to localhost:localPort, over a dedicated client.
// Port 0 lets the server pick; see RemotePort.
func (s *SSH) ForwardRemotePort(ctx context.Context, localPort, remotePort int) (*RemoteTunnel, error) {
	target := net.JoinHostPort("localhost", strconv.Itoa(localPort))
	dialer := &net.Dialer{Timeout: s.config.ConnectionTimeout}

	t, err := s.openTunnel(ctx, directionRemote, localPort, remotePort,
		func(client *ssh.Client) (net.Listener, error) {
			return client.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(remotePort)))
		},
		func(*ssh.Client) (net.Conn, error) {
			return dialer.Dial("tcp", target)
		},
	)
	if err != nil {
		return nil, err
	}
	return &RemoteTunnel{t}, nil
}

func (s *SSH) openTunnel(
	ctx context.Context,
	direction string,
	localPort, remotePort int,
	listen func(*ssh.Client) (net.Listener, error),
	dial func(*ssh.Client) (net.Conn, error),
) (_ *tunnel, err error) {
	ctx, span := s.tel.Tracer.StartTunnelSpan(ctx, direction, s.host.String(), localPort, remotePort)
	defer func() {
		if err != nil {
			s.tel.Metrics.RecordError(ErrorClass(err))
		}
		telemetry.EndSpan(span, err)
	}()

	client, _, err := s.prepareClient(ctx)
	if err != nil {
		return nil, err
	}

	listener, err := listen(client)
	if err != nil {
		_ = client.Close()
		return nil, &TransportError{
			Op:  "forward-" + direction,
			Err: fmt.Errorf("failed to listen for %s port forward: %w", direction, err),
		}
	}

	id := uuid.New().String()
	t := &tunnel{
		id:         id,
		direction:  direction,
		host:       s.host.String(),
		localPort:  localPort,
		remotePort: remotePort,
		client:     client,
		listener:   listener,
		dial:       func() (net.Conn, error) { return dial(client) },
		tel:        s.tel,
		logger:     s.logger.WithField("tunnel_id", id).WithField("direction", direction),
		conns:      make(map[net.Conn]struct{}),
	}

	t.wg.Add(1)
	go t.serve()

	s.tel.Metrics.TunnelOpened(direction)
	_ = s.tel.Events.PublishTunnelOpened(t.host, id, direction, localPort, remotePort)
	t.logger.Debugf("%s port forward open on %s", direction, listener.Addr())

	return t, nil
}

// ID identifies the tunnel in logs and events.
func (t *tunnel) ID() string {
	return t.id
}

// Addr returns the address the tunnel listens on. For a remote tunnel this is
// the address bound on the remote host.
func (t *tunnel) Addr() net.Addr {
	return t.listener.Addr()
}

// LocalPort returns the local port the tunnel listens on.
func (t *LocalTunnel) LocalPort() int {
	return portOf(t.listener.Addr())
}

// RemotePort returns the port the remote host listens on.
func (t *RemoteTunnel) RemotePort() int {
	return portOf(t.listener.Addr())
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

func (t *tunnel) serve() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				t.logger.WithError(err).Warn("port forward stopped accepting connections")
			}
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.forward(conn)
		}()
	}
}

func (t *tunnel) forward(conn net.Conn) {
	peer, err := t.dial()
	if err != nil {
		t.logger.WithError(err).Warn("failed to reach the other end of the port forward")
		_ = conn.Close()
		return
	}

	if !t.track(conn, peer) {
		_ = conn.Close()
		_ = peer.Close()
		return
	}
	defer t.untrack(conn, peer)

	relay(conn, peer)
}

// track registers conns for Close, refusing once the tunnel is closed.
func (t *tunnel) track(conns ...net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	for _, c := range conns {
		t.conns[c] = struct{}{}
	}
	return true
}

func (t *tunnel) untrack(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		delete(t.conns, c)
	}
}

// relay copies bytes both ways and closes both ends once either side is done.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}

	go copyHalf(a, b)
	go copyHalf(b, a)

	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}

// Close stops listening, tears down relayed connections, waits for the relay
// goroutines and disconnects the client. It is safe to call more than once.
func (t *tunnel) Close() error {
	t.mu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return nil
	}
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()

	listenErr := t.listener.Close()
	clientErr := t.client.Close()
	t.wg.Wait()

	t.tel.Metrics.TunnelClosed(t.direction)
	_ = t.tel.Events.PublishTunnelClosed(t.host, t.id, t.direction)
	t.logger.Debugf("%s port forward closed", t.direction)

	if listenErr != nil && !errors.Is(listenErr, net.ErrClosed) && !errors.Is(listenErr, io.EOF) {
		// Cancelling a remote binding fails when the client is already gone
		t.logger.WithError(listenErr).Debug("failed to close port forward listener")
	}
	if clientErr != nil && !errors.Is(clientErr, net.ErrClosed) {
		return &TransportError{Op: "forward-" + t.direction, Err: clientErr}
	}
	return nil
}
