package broker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/reverseproxy/internal/agent"
	"github.com/reverseproxy/internal/broker"
	"github.com/reverseproxy/internal/protocol"
)

// startEcho runs a TCP echo server on an ephemeral local port and returns
// its address.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting echo backend: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// startBroker starts a broker server bound to an ephemeral port and returns
// its websocket control-channel URL and its bare host:port, the latter for
// querying the introspection endpoints directly.
func startBroker(t *testing.T, token string, portStart, portEnd uint16) (wsURL, addr string) {
	t.Helper()
	wsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving broker addr: %v", err)
	}
	addr = wsLn.Addr().String()
	wsLn.Close()

	cfg := broker.DefaultConfig()
	cfg.Listen.Addr = addr
	cfg.Auth.Token = token
	cfg.Ports.Start = portStart
	cfg.Ports.End = portEnd
	cfg.Tunnel.PingInterval = 2 * time.Second
	cfg.Tunnel.IdleTimeout = 10 * time.Second

	srv := broker.NewServer(cfg)
	go srv.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	waitForListener(t, addr)
	return fmt.Sprintf("ws://%s%s", addr, cfg.Tunnel.Path), addr
}

// tunnelActiveStreams queries the broker's /api/tunnels introspection
// endpoint and returns the active_streams count for remotePort, or -1 if no
// tunnel is bound on it.
func tunnelActiveStreams(t *testing.T, brokerAddr string, remotePort int) int {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s/api/tunnels", brokerAddr))
	if err != nil {
		t.Fatalf("querying /api/tunnels: %v", err)
	}
	defer resp.Body.Close()

	var tunnels []struct {
		RemotePort    int `json:"remote_port"`
		ActiveStreams int `json:"active_streams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tunnels); err != nil {
		t.Fatalf("decoding /api/tunnels response: %v", err)
	}
	for _, tun := range tunnels {
		if tun.RemotePort == remotePort {
			return tun.ActiveStreams
		}
	}
	return -1
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("broker never started listening on %s", addr)
}

func Test_echo_through_tunnel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	echoAddr := startEcho(t)
	brokerURL, _ := startBroker(t, "", 20000, 20010)

	_, echoPortStr, _ := net.SplitHostPort(echoAddr)
	spec, err := agent.ParseTunnelSpec(fmt.Sprintf("tcp:127.0.0.1:%s:20000", echoPortStr))
	if err != nil {
		t.Fatalf("parsing tunnel spec: %v", err)
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.ServerURL = brokerURL
	agentCfg.Name = "test-agent"
	agentCfg.Tunnels = []protocol.TunnelSpec{spec}

	a, err := agent.New(agentCfg)
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	var conn net.Conn
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("tcp", "127.0.0.1:20000", 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("never able to reach tunnel port: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("writing to tunnel: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading echo response: %v", err)
	}
	if got := string(buf[:n]); got != "hello\n" {
		t.Errorf("expected echo %q, got %q", "hello\n", got)
	}
}

// Test_closing_external_connection_tears_down_stream exercises the
// half-close path: the external client closes its connection first, which
// half-closes the local target (the echo backend) instead of killing it,
// and once both sides have closed the stream must be fully torn down on the
// broker (active_streams back to 0) without taking the bound listener down
// with it. It does not check bytes the local target sends after the
// external close.
func Test_closing_external_connection_tears_down_stream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	echoAddr := startEcho(t)
	brokerURL, brokerAddr := startBroker(t, "", 20200, 20210)

	_, echoPortStr, _ := net.SplitHostPort(echoAddr)
	spec, err := agent.ParseTunnelSpec(fmt.Sprintf("tcp:127.0.0.1:%s:20200", echoPortStr))
	if err != nil {
		t.Fatalf("parsing tunnel spec: %v", err)
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.ServerURL = brokerURL
	agentCfg.Name = "close-test-agent"
	agentCfg.Tunnels = []protocol.TunnelSpec{spec}

	a, err := agent.New(agentCfg)
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	var conn net.Conn
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("tcp", "127.0.0.1:20200", 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("never able to reach tunnel port: %v", err)
	}

	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("writing to tunnel: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading echo response: %v", err)
	}
	if got := string(buf[:n]); got != "hello\n" {
		t.Fatalf("expected echo %q, got %q", "hello\n", got)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tunnelActiveStreams(t, brokerAddr, 20200) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := tunnelActiveStreams(t, brokerAddr, 20200); got != 1 {
		t.Fatalf("expected 1 active stream before close, got %d", got)
	}

	conn.Close()

	deadline = time.Now().Add(3 * time.Second)
	var active int
	for time.Now().Before(deadline) {
		active = tunnelActiveStreams(t, brokerAddr, 20200)
		if active == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if active != 0 {
		t.Fatalf("expected stream to be torn down after external close, active_streams=%d", active)
	}

	// one stream tearing down must not take the listener with it: the
	// remote port should still accept new connections.
	conn2, err := net.DialTimeout("tcp", "127.0.0.1:20200", time.Second)
	if err != nil {
		t.Fatalf("tunnel port not accepting connections after stream teardown: %v", err)
	}
	conn2.Close()
}

func Test_bad_token_is_rejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	brokerURL, _ := startBroker(t, "correct-secret", 20100, 20110)

	agentCfg := agent.DefaultConfig()
	agentCfg.ServerURL = brokerURL
	agentCfg.Name = "bad-token-agent"
	agentCfg.Token = "wrong-secret"
	agentCfg.Tunnels = []protocol.TunnelSpec{{Proto: "tcp", LocalHost: "127.0.0.1", LocalPort: 9999, RemotePort: 20100}}

	_, err := agent.Connect(context.Background(), agentCfg, nil)
	if err == nil {
		t.Fatal("expected registration to be rejected for a bad token")
	}
}
