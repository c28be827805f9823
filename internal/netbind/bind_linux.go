//go:build linux

package netbind

import (
	"net"

	"golang.org/x/sys/unix"
)

func bindToDevice(fd uintptr, iface *net.Interface) error {
	return unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface.Name)
}
