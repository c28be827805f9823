package netbind

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrPortOf(t *testing.T) {
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:53"),
		AddrPortOf(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 53}))
	assert.Equal(t, netip.MustParseAddrPort("[::1]:80"),
		AddrPortOf(&net.TCPAddr{IP: net.IPv6loopback, Port: 80}))
	assert.False(t, AddrPortOf(nil).IsValid())
}

func TestControlDisabledForZeroIndex(t *testing.T) {
	assert.Nil(t, Control(0))
}

func TestDialerLocalAddr(t *testing.T) {
	d := Dialer(0, netip.MustParseAddr("127.0.0.1"), "udp", time.Second)
	require.IsType(t, &net.UDPAddr{}, d.LocalAddr)

	d = Dialer(0, netip.MustParseAddr("127.0.0.1"), "tcp", time.Second)
	require.IsType(t, &net.TCPAddr{}, d.LocalAddr)

	d = Dialer(0, netip.Addr{}, "tcp", time.Second)
	assert.Nil(t, d.LocalAddr)
}

func TestControlUnknownInterface(t *testing.T) {
	d := &net.Dialer{Control: Control(1 << 20), Timeout: time.Second}
	_, err := d.Dial("udp", "127.0.0.1:9")
	assert.Error(t, err)
}
