/*
File: nameserver.go
Version: 1.0.0
Description: Nameserver pool entries. Each nameserver owns one connected UDP socket and a reader
             goroutine that feeds replies back into the resolver.
             Optional per-nameserver QPS limiting mirrors the upstream qps setting of the proxy.
*/

package resolver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"asyncnet/internal/netbind"
)

// Flags describe where a nameserver entry came from.
type Flags uint32

const (
	// FlagSystem marks entries imported from the system resolver configuration.
	FlagSystem Flags = 1 << iota
	// FlagNoRateLimit exempts the entry from the resolver-wide QPS limit.
	FlagNoRateLimit
)

const (
	defaultDNSPort    = 53
	defaultResolvConf = "/etc/resolv.conf"
	maxDatagramSize   = 65535
)

// Nameserver is one configured DNS server endpoint.
type Nameserver struct {
	Address string
	Port    int
	Flags   Flags

	addr    netip.AddrPort
	conn    *net.UDPConn
	limiter *rate.Limiter
	done    chan struct{}
}

func (ns *Nameserver) String() string {
	return ns.addr.String()
}

// openNameserver binds a UDP socket toward addr:port. addr must be a numeric address.
func openNameserver(ifIndex int, addr string, port int, flags Flags) (*Nameserver, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("nameserver %q: %w", addr, err)
	}
	if port <= 0 {
		port = defaultDNSPort
	}
	if port > 65535 {
		return nil, fmt.Errorf("nameserver %q: invalid port %d", addr, port)
	}

	ap := netip.AddrPortFrom(ip.Unmap(), uint16(port))
	d := netbind.Dialer(ifIndex, netip.Addr{}, "udp", 0)
	c, err := d.Dial("udp", ap.String())
	if err != nil {
		return nil, fmt.Errorf("nameserver %s: %w", ap, err)
	}

	return &Nameserver{
		Address: ip.String(),
		Port:    port,
		Flags:   flags,
		addr:    ap,
		conn:    c.(*net.UDPConn),
		done:    make(chan struct{}),
	}, nil
}

func (ns *Nameserver) setQPS(qps int) {
	if qps <= 0 || ns.Flags&FlagNoRateLimit != 0 {
		ns.limiter = nil
		return
	}
	burst := qps * 2
	if burst < 10 {
		burst = 10
	}
	ns.limiter = rate.NewLimiter(rate.Limit(qps), burst)
}

// allow reports whether the nameserver has send capacity.
func (ns *Nameserver) allow() bool {
	if ns.limiter == nil {
		return true
	}
	return ns.limiter.Allow()
}

func (ns *Nameserver) send(packet []byte) error {
	_, err := ns.conn.Write(packet)
	if errors.Is(err, syscall.ECONNREFUSED) {
		// Pending ICMP error from an earlier datagram; the socket is usable again.
		_, err = ns.conn.Write(packet)
	}
	return err
}

// readLoop delivers every datagram to handle until the socket is closed.
// The buffer is reused, so handle must not retain it.
func (ns *Nameserver) readLoop(handle func(*Nameserver, []byte)) {
	defer close(ns.done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := ns.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Connected UDP sockets surface ICMP errors (e.g. port unreachable) on read.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		handle(ns, buf[:n])
	}
}

func (ns *Nameserver) close() error {
	err := ns.conn.Close()
	<-ns.done
	return err
}

// systemNameservers reads nameserver addresses from a resolv.conf style file.
func systemNameservers(path string) ([]string, int, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port <= 0 {
		port = defaultDNSPort
	}
	return cfg.Servers, port, nil
}
