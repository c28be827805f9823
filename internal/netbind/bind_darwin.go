//go:build darwin

package netbind

import (
	"net"

	"golang.org/x/sys/unix"
)

func bindToDevice(fd uintptr, iface *net.Interface) error {
	// IP_BOUND_IF only applies to IPv4 sockets; IPv6 sockets need IPV6_BOUND_IF.
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, iface.Index); err == nil {
		return nil
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, iface.Index)
}
