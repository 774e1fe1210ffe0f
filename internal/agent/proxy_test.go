package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func startEchoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for echo backend: %v", err)
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
	return ln
}

// startHTTPConnectProxy runs a minimal HTTP CONNECT proxy: it accepts one
// CONNECT request, dials the requested address itself, replies 200, and
// then relays bytes in both directions.
func startHTTPConnectProxy(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for http connect proxy: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		requestLine, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(requestLine)
		if len(fields) < 2 || fields[0] != "CONNECT" {
			return
		}
		target := fields[1]

		for {
			line, err := reader.ReadString('\n')
			if err != nil || strings.TrimSpace(line) == "" {
				break
			}
		}

		upstream, err := net.Dial("tcp", target)
		if err != nil {
			conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
			return
		}
		defer upstream.Close()

		conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

		done := make(chan struct{}, 2)
		go func() { io.Copy(upstream, reader); done <- struct{}{} }()
		go func() { io.Copy(conn, upstream); done <- struct{}{} }()
		<-done
	}()
	return ln
}

// startSOCKS5Proxy runs a minimal unauthenticated SOCKS5 server: greeting,
// a single CONNECT request, then relays bytes in both directions. Enough of
// RFC 1928 to exercise ProxyDialer.dialSOCKS5 end to end.
func startSOCKS5Proxy(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for socks5 proxy: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// greeting: version, nmethods, methods...
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		nmethods := int(hdr[1])
		methods := make([]byte, nmethods)
		if _, err := io.ReadFull(conn, methods); err != nil {
			return
		}
		// no authentication required
		conn.Write([]byte{0x05, 0x00})

		// request: ver, cmd, rsv, atyp, dst.addr, dst.port
		req := make([]byte, 4)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		var target string
		switch req[3] {
		case 0x01: // IPv4
			addr := make([]byte, 4)
			io.ReadFull(conn, addr)
			port := make([]byte, 2)
			io.ReadFull(conn, port)
			target = fmt.Sprintf("%d.%d.%d.%d:%d", addr[0], addr[1], addr[2], addr[3], int(port[0])<<8|int(port[1]))
		case 0x03: // domain name
			lenBuf := make([]byte, 1)
			io.ReadFull(conn, lenBuf)
			host := make([]byte, lenBuf[0])
			io.ReadFull(conn, host)
			port := make([]byte, 2)
			io.ReadFull(conn, port)
			target = fmt.Sprintf("%s:%d", host, int(port[0])<<8|int(port[1]))
		default:
			return
		}

		upstream, err := net.Dial("tcp", target)
		if err != nil {
			conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			return
		}
		defer upstream.Close()

		// success reply, bound address elided (all zero) since the test
		// client only inspects the status byte.
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		done := make(chan struct{}, 2)
		go func() { io.Copy(upstream, conn); done <- struct{}{} }()
		go func() { io.Copy(conn, upstream); done <- struct{}{} }()
		<-done
	}()
	return ln
}

func Test_dial_context_through_http_connect_proxy(t *testing.T) {
	backend := startEchoBackend(t)
	defer backend.Close()
	proxyLn := startHTTPConnectProxy(t)
	defer proxyLn.Close()

	dialer, err := NewProxyDialer("http://"+proxyLn.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("NewProxyDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", backend.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	assertEchoRoundTrip(t, conn)
}

func Test_dial_context_through_socks5_proxy(t *testing.T) {
	backend := startEchoBackend(t)
	defer backend.Close()
	proxyLn := startSOCKS5Proxy(t)
	defer proxyLn.Close()

	dialer, err := NewProxyDialer("socks5://"+proxyLn.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("NewProxyDialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", backend.Addr().String())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	assertEchoRoundTrip(t, conn)
}

func assertEchoRoundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	want := "hello through proxy"
	if _, err := conn.Write([]byte(want)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != want {
		t.Fatalf("echo mismatch: got %q want %q", got, want)
	}
}

func Test_new_proxy_dialer_rejects_unsupported_scheme(t *testing.T) {
	if _, err := NewProxyDialer("ftp://example.com", time.Second); err == nil {
		t.Fatal("expected error for unsupported proxy scheme")
	}
}
