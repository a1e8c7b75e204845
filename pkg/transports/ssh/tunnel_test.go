package ssh

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/openfroyo/sshexec/pkg/telemetry"
)

func TestForwardLocalPort(t *testing.T) {
	server := newTestSSHServer(t)

	factory, err := New(server.host(), testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Tunnel to the SSH port of the server itself
	tunnel, err := factory.ForwardLocalPort(context.Background(), 0, server.port)
	if err != nil {
		t.Fatalf("ForwardLocalPort() error = %v", err)
	}
	defer tunnel.Close()

	if tunnel.LocalPort() == 0 {
		t.Fatal("LocalPort() = 0")
	}
	if tunnel.ID() == "" {
		t.Error("ID() is empty")
	}

	addr := tunnel.Addr().(*net.TCPAddr)
	host := NewHost(addr.IP.String(), "testuser", NewPasswordAuthentication("testpass")).WithPort(tunnel.LocalPort())
	conn := newTestConnection(t, host, testConfig())

	result, err := conn.Execute(context.Background(), "echo tunnelled")
	if err != nil {
		t.Fatalf("Execute() through tunnel error = %v", err)
	}
	if result.Stdout != "tunnelled\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "tunnelled\n")
	}

	if err := tunnel.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := tunnel.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if c, err := net.Dial("tcp", tunnel.Addr().String()); err == nil {
		c.Close()
		t.Error("tunnel still accepts connections after Close")
	}
}

func TestForwardRemotePort(t *testing.T) {
	server := newTestSSHServer(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello from local")
	}))
	defer backend.Close()
	localPort := backend.Listener.Addr().(*net.TCPAddr).Port

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	var (
		mu  sync.Mutex
		got []telemetry.Event
	)
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}, telemetry.FilterByType(telemetry.EventTypeTunnelOpened, telemetry.EventTypeTunnelClosed))

	tel := telemetry.Nop()
	tel.Events = events
	cfg := testConfig()
	cfg.Telemetry = tel

	factory, err := New(server.host(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tunnel, err := factory.ForwardRemotePort(context.Background(), localPort, 0)
	if err != nil {
		t.Fatalf("ForwardRemotePort() error = %v", err)
	}
	if tunnel.RemotePort() == 0 {
		t.Fatal("RemotePort() = 0")
	}

	conn := newTestConnection(t, server.host(), testConfig())
	result, err := conn.Execute(context.Background(), fmt.Sprintf("fetch localhost:%d/", tunnel.RemotePort()))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Stdout != "hello from local" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello from local")
	}

	if err := tunnel.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d tunnel events, want 2", len(got))
	}
	if got[0].Type != telemetry.EventTypeTunnelOpened || got[1].Type != telemetry.EventTypeTunnelClosed {
		t.Errorf("event types = %q, %q", got[0].Type, got[1].Type)
	}
	if got[0].HandleID != tunnel.ID() || got[0].Data["direction"] != "remote" {
		t.Errorf("open event = %+v", got[0])
	}
}

func TestForwardRemotePortUnreachableHost(t *testing.T) {
	port := freePort(t)

	cfg := testConfig()
	cfg.ConnectivityPatience = 1

	host := NewHost("127.0.0.1", "testuser", NewPasswordAuthentication("testpass")).WithPort(port)
	factory, err := New(host, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := factory.ForwardRemotePort(context.Background(), 8080, 0); ErrorClass(err) != ErrorClassConnectivity {
		t.Errorf("ForwardRemotePort() error = %v, want connectivity error", err)
	}
}
