//go:build !linux && !darwin

package netbind

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("interface binding not supported on this platform")

func bindToDevice(fd uintptr, iface *net.Interface) error {
	return errUnsupported
}
