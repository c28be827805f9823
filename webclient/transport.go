/*
File: transport.go
Version: 1.0.0
Description: Connection setup for sessions: interface/address bound TCP dials, HTTP CONNECT tunnels,
             SOCKS5 proxies via golang.org/x/net/proxy and TLS with a shared client session cache.
*/

package webclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"

	"asyncnet/internal/netbind"
)

var errTunnel = errors.New("proxy tunnel failed")

// connect opens the transport to the first hop at addr: the origin server, or the proxy when one is set.
func (s *Session) connect(ctx context.Context, addr netip.Addr) (net.Conn, error) {
	hop := s.hop()
	hopAddr := netip.AddrPortFrom(addr, uint16(hop.port)).String()
	d := netbind.Dialer(s.opts.ifIndex, s.opts.bind, "tcp", s.opts.timeout)

	var conn net.Conn
	var err error
	switch {
	case s.opts.proxy == nil:
		conn, err = d.DialContext(ctx, "tcp", hopAddr)

	case s.opts.proxy.scheme == "socks5":
		conn, err = dialSOCKS5(ctx, d, hopAddr, s.opts.proxy, s.url.address())

	default:
		conn, err = d.DialContext(ctx, "tcp", hopAddr)
		if err == nil && s.url.tls {
			if err = s.openTunnel(ctx, conn); err != nil {
				conn.Close()
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if !s.url.tls {
		return conn, nil
	}
	return s.handshake(ctx, conn)
}

func dialSOCKS5(ctx context.Context, forward *net.Dialer, proxyAddr string, p *target, dest string) (net.Conn, error) {
	var auth *proxy.Auth
	if p.user != "" {
		auth = &proxy.Auth{User: p.user, Password: p.password}
	}
	sd, err := proxy.SOCKS5("tcp", proxyAddr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s: %w", proxyAddr, err)
	}
	if cd, ok := sd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", dest)
	}
	return sd.Dial("tcp", dest)
}

// openTunnel asks an HTTP proxy for a CONNECT tunnel to the origin.
func (s *Session) openTunnel(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	authority := s.url.address()
	var b strings.Builder
	b.WriteString("CONNECT " + authority + " HTTP/1.1\r\n")
	b.WriteString("Host: " + authority + "\r\n")
	if auth := proxyAuthorization(s.opts.proxy); auth != "" {
		b.WriteString("Proxy-Authorization: " + auth + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("%w: %v", errTunnel, err)
	}

	br := bufio.NewReader(conn)
	status := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: %v", errTunnel, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if status == 0 {
			if status, err = parseStatusLine(line); err != nil {
				return fmt.Errorf("%w: %v", errTunnel, err)
			}
			continue
		}
		if line == "" {
			break
		}
	}
	if status/100 != 2 {
		return fmt.Errorf("%w: proxy answered %d", errTunnel, status)
	}
	if br.Buffered() > 0 {
		return fmt.Errorf("%w: unexpected data after proxy response", errTunnel)
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, conn net.Conn) (net.Conn, error) {
	cfg := &tls.Config{
		ServerName:         s.url.host,
		InsecureSkipVerify: s.opts.insecure,
		ClientSessionCache: s.client.tlsCache,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", s.url.host, err)
	}
	return tc, nil
}

func proxyAuthorization(p *target) string {
	if p == nil || p.user == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.user+":"+p.password))
}

// parseStatusLine extracts the code from "HTTP/<ver> <code> <reason>".
func parseStatusLine(line string) (int, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	code, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 999 {
		return 0, fmt.Errorf("malformed status code in %q", line)
	}
	return n, nil
}
