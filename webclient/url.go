/*
File: url.go
Version: 1.0.0
Description: Parsing of request and proxy URLs into scheme, host, port, path and credentials.
*/

package webclient

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidURL = errors.New("invalid url")

var defaultPorts = map[string]int{
	"http":   80,
	"https":  443,
	"socks5": 1080,
}

// target is a parsed request or proxy URL.
type target struct {
	raw          string
	scheme       string
	host         string
	port         int
	explicitPort bool
	path         string
	tls          bool

	// userinfo, only honoured on proxy URLs
	user     string
	password string
}

// parseURL splits scheme://host[:port][/path][?query]. The fragment is dropped.
func parseURL(raw string) (*target, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidURL, raw)
	}
	scheme = strings.ToLower(scheme)
	port, known := defaultPorts[scheme]
	if !known {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, scheme)
	}

	t := &target{raw: raw, scheme: scheme, port: port, path: "/", tls: scheme == "https"}

	hostport := rest
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		hostport = rest[:i]
		t.path = rest[i:]
	}
	if i := strings.IndexByte(t.path, '#'); i >= 0 {
		t.path = t.path[:i]
	}
	if t.path == "" || t.path[0] != '/' {
		t.path = "/" + t.path
	}
	if i := strings.LastIndexByte(hostport, '@'); i >= 0 {
		t.user, t.password, _ = strings.Cut(hostport[:i], ":")
		hostport = hostport[i+1:]
	}

	var portStr string
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated IPv6 literal in %q", ErrInvalidURL, raw)
		}
		t.host = hostport[1:end]
		if after := hostport[end+1:]; after != "" {
			if after[0] != ':' {
				return nil, fmt.Errorf("%w: garbage after IPv6 literal in %q", ErrInvalidURL, raw)
			}
			portStr = after[1:]
		}
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		t.host, portStr = hostport[:i], hostport[i+1:]
	} else {
		t.host = hostport
	}

	if t.host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURL, portStr)
		}
		t.port = p
		t.explicitPort = true
	}
	return t, nil
}

// address is the host:port to dial.
func (t *target) address() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// hostHeader carries the port only when it was given and differs from the scheme default.
func (t *target) hostHeader() string {
	host := t.host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if t.explicitPort && t.port != defaultPorts[t.scheme] {
		return host + ":" + strconv.Itoa(t.port)
	}
	return host
}
