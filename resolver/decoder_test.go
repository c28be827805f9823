package resolver

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packReply(t *testing.T, id uint16, rcode int, rrs ...dns.RR) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion("example.test.", dns.TypeA)
	q.Id = id

	m := new(dns.Msg)
	m.SetRcode(q, rcode)
	m.Answer = rrs
	buf, err := m.Pack()
	require.NoError(t, err)
	return buf
}

func TestEncodeQuestion(t *testing.T) {
	buf, err := encodeQuestion("example.test", dns.TypeAAAA, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, byte(0x12), buf[0])
	assert.Equal(t, byte(0x34), buf[1])

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(buf))
	assert.True(t, m.RecursionDesired)
	require.Len(t, m.Question, 1)
	assert.Equal(t, "example.test.", m.Question[0].Name)
	assert.Equal(t, dns.TypeAAAA, m.Question[0].Qtype)
}

func TestDecodeResponse(t *testing.T) {
	a, err := dns.NewRR("example.test. 60 IN A 93.184.216.34")
	require.NoError(t, err)
	aaaa, err := dns.NewRR("example.test. 60 IN AAAA 2001:db8::1")
	require.NoError(t, err)
	cname, err := dns.NewRR("example.test. 60 IN CNAME other.test.")
	require.NoError(t, err)
	chaos := &dns.A{
		Hdr: dns.RR_Header{Name: "example.test.", Rrtype: dns.TypeA, Class: dns.ClassCHAOS, Ttl: 60},
		A:   net.ParseIP("10.0.0.1"),
	}

	resp, err := decodeResponse(packReply(t, 7, dns.RcodeSuccess, cname, a, chaos, aaaa))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), resp.id)
	assert.Equal(t, StatusSuccess, resp.status)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("2001:db8::1"),
	}, resp.addrs)
}

func TestDecodeResponseRcode(t *testing.T) {
	resp, err := decodeResponse(packReply(t, 9, dns.RcodeNameError))
	require.NoError(t, err)
	assert.Equal(t, StatusNameError, resp.status)
	assert.Empty(t, resp.addrs)
}

func TestDecodeResponseMalformed(t *testing.T) {
	_, err := decodeResponse([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, errMalformed)

	query, err := encodeQuestion("example.test", dns.TypeA, 1)
	require.NoError(t, err)
	_, err = decodeResponse(query)
	assert.ErrorIs(t, err, errMalformed, "questions are not responses")

	garbage := make([]byte, 40)
	for i := range garbage {
		garbage[i] = 0xff
	}
	_, err = decodeResponse(garbage)
	assert.ErrorIs(t, err, errMalformed)

	m := new(dns.Msg)
	m.SetQuestion("example.test.", dns.TypeA)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.Response = true
	buf, err := m.Pack()
	require.NoError(t, err)
	_, err = decodeResponse(buf)
	assert.ErrorIs(t, err, errMalformed)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "SUCCESS", StatusSuccess.String())
	assert.Equal(t, "NXDOMAIN", statusFromRcode(dns.RcodeNameError).String())
	assert.Equal(t, "REFUSED", statusFromRcode(dns.RcodeRefused).String())
	assert.Equal(t, StatusGenericError, statusFromRcode(dns.RcodeBadCookie))
	assert.Equal(t, "NORESPONSE", StatusNoResponse.String())
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("IPv6")
	require.NoError(t, err)
	assert.Equal(t, FamilyIPv6, f)

	f, err = ParseFamily("")
	require.NoError(t, err)
	assert.Equal(t, FamilyAny, f)

	_, err = ParseFamily("ipx")
	assert.Error(t, err)
}
