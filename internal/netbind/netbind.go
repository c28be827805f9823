/*
File: netbind.go
Version: 1.0.0
Description: Outbound socket binding shared by the resolver's UDP sockets and the web client's TCP dials.
             A non-zero interface index pins the socket to that interface; a bind address fixes the local endpoint.
*/

package netbind

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// Dialer returns a net.Dialer whose sockets are bound to ifIndex (0 means any interface)
// and, when local is valid, to that local address.
func Dialer(ifIndex int, local netip.Addr, network string, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   Control(ifIndex),
	}
	if local.IsValid() {
		switch network {
		case "udp", "udp4", "udp6":
			d.LocalAddr = &net.UDPAddr{IP: local.AsSlice(), Zone: local.Zone()}
		default:
			d.LocalAddr = &net.TCPAddr{IP: local.AsSlice(), Zone: local.Zone()}
		}
	}
	return d
}

// Control returns a dialer control hook binding the socket to ifIndex, or nil when ifIndex is 0.
func Control(ifIndex int) func(network, address string, c syscall.RawConn) error {
	if ifIndex <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		iface, err := net.InterfaceByIndex(ifIndex)
		if err != nil {
			return fmt.Errorf("interface %d: %w", ifIndex, err)
		}
		var sockErr error
		err = c.Control(func(fd uintptr) {
			sockErr = bindToDevice(fd, iface)
		})
		if err != nil {
			return err
		}
		if sockErr != nil {
			return fmt.Errorf("bind to %s: %w", iface.Name, sockErr)
		}
		return nil
	}
}

// AddrPortOf extracts the IP endpoint of a socket address without string round-trips
// for the common concrete types.
func AddrPortOf(addr net.Addr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	var ap netip.AddrPort
	switch v := addr.(type) {
	case *net.UDPAddr:
		ap = v.AddrPort()
	case *net.TCPAddr:
		ap = v.AddrPort()
	default:
		var err error
		if ap, err = netip.ParseAddrPort(addr.String()); err != nil {
			return netip.AddrPort{}
		}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
