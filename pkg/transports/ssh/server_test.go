package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Exit codes the scripted shell uses for outcomes that are not a plain status.
const (
	statusClosed       = -1
	statusNoExitStatus = -2
	statusTerminated   = -3
)

var (
	pidFileRe = regexp.MustCompile(`~/\.jpt-processes/([0-9a-f-]+)`)
	killRe    = regexp.MustCompile("^kill -3 `cat ~/\\.jpt-processes/([0-9a-f-]+)`$")

	// trap 'sleep N' INT: exit N seconds after an interrupt
	trapSleepRe = regexp.MustCompile(`^trap 'sleep ([0-9.]+)' INT$`)
)

// testSSHServer is an in-process SSH server with a tiny scripted shell,
// pseudo-terminal interrupts, port forwarding and an SFTP subsystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.Signer
	addr     string
	port     int
	done     chan struct{}

	interrupts atomic.Int32
	keepalives atomic.Int32
	sessions   atomic.Int32

	mu       sync.Mutex
	pidFiles map[string]bool
	killed   []string
}

// newTestSSHServer starts a server on a random loopback port.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := newIdleTestSSHServer(t)
	server.start(listener)
	return server
}

// newIdleTestSSHServer prepares a server that serves nothing until start.
func newIdleTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Accept any public key for testing
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	server := &testSSHServer{
		config:   config,
		hostKey:  hostKey,
		done:     make(chan struct{}),
		pidFiles: make(map[string]bool),
	}
	t.Cleanup(server.close)

	return server
}

// start serves SSH on listener until the test ends.
func (s *testSSHServer) start(listener net.Listener) {
	s.listener = listener
	s.addr = listener.Addr().String()
	s.port = listener.Addr().(*net.TCPAddr).Port

	go s.serve()
}

// host returns password credentials accepted by the server.
func (s *testSSHServer) host() Host {
	return NewHost("127.0.0.1", "testuser", NewPasswordAuthentication("testpass")).WithPort(s.port)
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go s.handleGlobalRequests(sshConn, reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			s.sessions.Add(1)
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *testSSHServer) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	forwards := make(map[string]net.Listener)
	defer func() {
		for _, ln := range forwards {
			ln.Close()
		}
	}()

	for req := range reqs {
		switch req.Type {
		case "keepalive@openssh.com":
			s.keepalives.Add(1)
			req.Reply(true, nil)

		case "tcpip-forward":
			var payload struct {
				Addr string
				Port uint32
			}
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}

			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(payload.Port))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := ln.Addr().(*net.TCPAddr).Port

			forwards[net.JoinHostPort(payload.Addr, strconv.Itoa(port))] = ln

			req.Reply(true, ssh.Marshal(struct{ Port uint32 }{uint32(port)}))
			go s.serveForward(conn, ln, payload.Addr, port)

		case "cancel-tcpip-forward":
			var payload struct {
				Addr string
				Port uint32
			}
			_ = ssh.Unmarshal(req.Payload, &payload)
			key := net.JoinHostPort(payload.Addr, strconv.Itoa(int(payload.Port)))

			ln, ok := forwards[key]
			delete(forwards, key)

			if ok {
				ln.Close()
			}
			req.Reply(ok, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) serveForward(conn *ssh.ServerConn, ln net.Listener, addr string, port int) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}

		go func() {
			origin := c.RemoteAddr().(*net.TCPAddr)
			payload := ssh.Marshal(struct {
				Addr       string
				Port       uint32
				OriginAddr string
				OriginPort uint32
			}{addr, uint32(port), origin.IP.String(), uint32(origin.Port)})

			channel, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(c, channel)
		}()
	}
}

func (s *testSSHServer) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var payload struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}

	c, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, reqs, err := newChannel.Accept()
	if err != nil {
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(c, channel)
}

// pipe relays a and b until either side ends.
func pipe(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	closed := make(chan struct{})
	pty := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty = true
			req.Reply(true, nil)

		case "env":
			req.Reply(true, nil)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go s.exec(channel, payload.Command, pty, closed)

		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer channel.Close()
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				server.Serve()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}

	close(closed)
}

// exec runs command in the scripted shell and reports its exit status.
func (s *testSSHServer) exec(channel ssh.Channel, command string, pty bool, closed <-chan struct{}) {
	defer channel.Close()

	interrupts := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := channel.Read(buf)
			if err != nil {
				return
			}
			if n == 1 && buf[0] == 0x03 {
				s.interrupts.Add(1)
				select {
				case interrupts <- struct{}{}:
				default:
				}
			}
		}
	}()

	var stderr io.Writer = channel.Stderr()
	if pty {
		stderr = channel
	}

	sh := &scriptedShell{
		server:     s,
		stdout:     channel,
		stderr:     stderr,
		interrupts: interrupts,
		closed:     closed,
	}

	switch status := sh.run(command); status {
	case statusClosed, statusNoExitStatus:
	case statusTerminated:
		channel.SendRequest("exit-signal", false, ssh.Marshal(struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}{"TERM", false, "", ""}))
	default:
		channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
	}
}

// scriptedShell understands just enough shell for the tests: statements joined
// by "; " plus a few whole-line commands.
type scriptedShell struct {
	server     *testSSHServer
	stdout     io.Writer
	stderr     io.Writer
	interrupts <-chan struct{}
	closed     <-chan struct{}

	ignoreInterrupt bool
	// interruptDelay is how long a trapped interrupt takes before the shell exits
	interruptDelay time.Duration
}

func (sh *scriptedShell) run(command string) int {
	switch {
	case command == "no-exit-status":
		return statusNoExitStatus
	case command == "kill -TERM $$":
		return statusTerminated
	case strings.HasPrefix(command, "screen -dm bash -c "):
		return sh.screen(command)
	case killRe.MatchString(command):
		return sh.kill(killRe.FindStringSubmatch(command)[1])
	}

	for _, stmt := range strings.Split(command, "; ") {
		fields := strings.Fields(stmt)
		if len(fields) == 0 {
			continue
		}

		switch {
		case stmt == "true":
		case stmt == "trap '' INT":
			sh.ignoreInterrupt = true
		case trapSleepRe.MatchString(stmt):
			secs, _ := strconv.ParseFloat(trapSleepRe.FindStringSubmatch(stmt)[1], 64)
			sh.interruptDelay = time.Duration(secs * float64(time.Second))
		case fields[0] == "echo":
			text := strings.TrimPrefix(stmt, "echo ")
			if strings.HasSuffix(text, " >&2") {
				fmt.Fprintln(sh.stderr, strings.TrimSuffix(text, " >&2"))
			} else {
				fmt.Fprintln(sh.stdout, text)
			}
		case fields[0] == "exit" && len(fields) == 2:
			n, _ := strconv.Atoi(fields[1])
			return n
		case fields[0] == "sleep" && len(fields) == 2:
			secs, _ := strconv.ParseFloat(fields[1], 64)
			if status, done := sh.sleep(time.Duration(secs * float64(time.Second))); done {
				return status
			}
		case fields[0] == "ping":
			return sh.ping()
		case fields[0] == "fetch" && len(fields) == 2:
			return sh.fetch(fields[1])
		case fields[0] == "sha256sum" && len(fields) == 2:
			sum, err := LocalChecksum(fields[1])
			if err != nil {
				fmt.Fprintf(sh.stderr, "sha256sum: %s: No such file or directory\n", fields[1])
				return 1
			}
			fmt.Fprintf(sh.stdout, "%s  %s\n", sum, fields[1])
		default:
			fmt.Fprintf(sh.stderr, "bash: %s: command not found\n", fields[0])
			return 127
		}
	}
	return 0
}

// sleep waits d. An interrupt ends it with 130 unless interrupts are trapped.
func (sh *scriptedShell) sleep(d time.Duration) (int, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return 0, false
		case <-sh.closed:
			return statusClosed, true
		case <-sh.interrupts:
			if sh.ignoreInterrupt {
				continue
			}
			if sh.interruptDelay > 0 {
				select {
				case <-time.After(sh.interruptDelay):
				case <-sh.closed:
					return statusClosed, true
				}
			}
			fmt.Fprintln(sh.stdout, "^C")
			return 130, true
		}
	}
}

// ping prints a line every 20ms until interrupted.
func (sh *scriptedShell) ping() int {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for seq := 1; ; seq++ {
		select {
		case <-ticker.C:
			fmt.Fprintf(sh.stdout, "64 bytes from localhost: icmp_seq=%d\n", seq)
		case <-sh.interrupts:
			fmt.Fprintln(sh.stdout, "--- localhost ping statistics ---")
			return 0
		case <-sh.closed:
			return statusClosed
		}
	}
}

func (sh *scriptedShell) fetch(target string) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + target)
	if err != nil {
		fmt.Fprintf(sh.stderr, "fetch: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	io.Copy(sh.stdout, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func (sh *scriptedShell) screen(command string) int {
	m := pidFileRe.FindStringSubmatch(command)
	if m == nil {
		return 1
	}

	sh.server.mu.Lock()
	sh.server.pidFiles[m[1]] = true
	sh.server.mu.Unlock()
	return 0
}

func (sh *scriptedShell) kill(id string) int {
	sh.server.mu.Lock()
	defer sh.server.mu.Unlock()

	if !sh.server.pidFiles[id] {
		fmt.Fprintf(sh.stderr, "cat: /home/testuser/.jpt-processes/%s: No such file or directory\n", id)
		return 1
	}
	sh.server.killed = append(sh.server.killed, id)
	return 0
}

func (s *testSSHServer) hasPIDFile(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pidFiles[id]
}

func (s *testSSHServer) killedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.killed...)
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// writeTestKey writes a fresh ed25519 private key in OpenSSH format.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}

// testConfig returns a config with fast retries and no keep-alive.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RetryBaseBackoff = 10 * time.Millisecond
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	cfg.KeepAliveInterval = 0
	return cfg
}

// freePort returns a loopback port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
