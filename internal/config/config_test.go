package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncnet/resolver"
	"asyncnet/webclient"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, []string{"console"}, cfg.Logging.Outputs)
	assert.Equal(t, "udp", cfg.Logging.Syslog.Network)
	assert.Equal(t, resolver.FamilyAny, cfg.Resolver.ParsedFamily())
	assert.Equal(t, resolver.DefaultQueryTimeout, cfg.Resolver.ParsedTimeout())
	assert.Empty(t, cfg.Resolver.ParsedServers())
	assert.Equal(t, webclient.DefaultUserAgent, cfg.Client.UserAgent)
	assert.Equal(t, webclient.DefaultTimeout, cfg.Client.ParsedTimeout())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webget.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  syslog:
    address: /dev/log
resolver:
  nameservers: 10.0.0.53
  family: ipv6
  timeout: 2s
  qps: 20
client:
  user_agent: fetcher/2
  http_version: "1.0"
  bind_address: 192.0.2.10
  host_qps: 5
  timeout: 30s
  connection_close: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "unixgram", cfg.Logging.Syslog.Network)
	assert.Equal(t, resolver.FamilyIPv6, cfg.Resolver.ParsedFamily())
	assert.Equal(t, 2*time.Second, cfg.Resolver.ParsedTimeout())
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.53:53")}, cfg.Resolver.ParsedServers())
	assert.Equal(t, "fetcher/2", cfg.Client.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.Client.ParsedTimeout())
	assert.True(t, cfg.Client.ConnectionClose)
	assert.Equal(t, 5, cfg.Client.HostQPS)
}

func TestNameserverList(t *testing.T) {
	cfg, err := Parse([]byte("resolver:\n  nameservers: [\"1.1.1.1\", \"127.0.0.1:5353\", \"::1\", \"[::1]:5300\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("1.1.1.1:53"),
		netip.MustParseAddrPort("127.0.0.1:5353"),
		netip.MustParseAddrPort("[::1]:53"),
		netip.MustParseAddrPort("[::1]:5300"),
	}, cfg.Resolver.ParsedServers())
}

func TestInvalid(t *testing.T) {
	cases := map[string]string{
		"family":       "resolver:\n  family: ipx\n",
		"timeout":      "resolver:\n  timeout: soon\n",
		"negative":     "client:\n  timeout: -1s\n",
		"nameserver":   "resolver:\n  nameservers: dns.example\n",
		"qps":          "client:\n  host_qps: -3\n",
		"bind":         "client:\n  bind_address: eth0\n",
		"http version": "client:\n  http_version: \"2\"\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}

	_, err := Parse([]byte("resolver: [unclosed"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInterfaceIndex(t *testing.T) {
	var c ClientConfig
	idx, err := c.InterfaceIndex()
	require.NoError(t, err)
	assert.Zero(t, idx)

	c.Interface = "no-such-interface0"
	_, err = c.InterfaceIndex()
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	cfg, err := Parse([]byte(`
resolver:
  nameservers: ["127.0.0.1:5353", "127.0.0.1:5353"]
  family: ipv4
client:
  proxy: socks5://127.0.0.1:1080
  wap_profile: http://wap.example/p.xml
`))
	require.NoError(t, err)

	r := resolver.New(0)
	defer r.Close()
	require.NoError(t, cfg.Resolver.ApplyResolver(r))
	assert.Equal(t, []string{"127.0.0.1:5353"}, r.Nameservers())

	wc := webclient.New(0, r)
	defer wc.Close()
	require.NoError(t, cfg.Client.ApplyClient(wc))

	cfg.Client.Proxy = "ftp://127.0.0.1"
	assert.Error(t, cfg.Client.ApplyClient(wc))
}
