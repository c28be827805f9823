/*
File: decoder.go
Version: 1.0.0
Description: DNS wire codec for the resolver. Questions are packed with miekg/dns; replies are
             validated and reduced to the transaction id, mapped status and A/AAAA addresses.
*/

package resolver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

const dnsHeaderLen = 12

var errMalformed = errors.New("malformed dns message")

type response struct {
	id     uint16
	status Status
	addrs  []netip.Addr
}

// encodeQuestion packs a recursive question for name/qtype under transaction id.
func encodeQuestion(name string, qtype uint16, id uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = id
	return msg.Pack()
}

// decodeResponse parses a reply datagram. Anything that is not a well-formed response
// yields errMalformed so the caller can drop it.
func decodeResponse(buf []byte) (*response, error) {
	if len(buf) < dnsHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", errMalformed, len(buf))
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if !msg.Response {
		return nil, fmt.Errorf("%w: not a response", errMalformed)
	}
	for _, q := range msg.Question {
		if q.Qclass != dns.ClassINET {
			return nil, fmt.Errorf("%w: question class %d", errMalformed, q.Qclass)
		}
	}

	return &response{
		id:     msg.Id,
		status: statusFromRcode(msg.Rcode),
		addrs:  answerAddresses(msg.Answer),
	}, nil
}

// answerAddresses keeps IN-class A records with 4-byte and AAAA records with 16-byte payloads.
func answerAddresses(rrs []dns.RR) []netip.Addr {
	var out []netip.Addr
	for _, rr := range rrs {
		if rr.Header().Class != dns.ClassINET {
			continue
		}
		switch v := rr.(type) {
		case *dns.A:
			if ip4 := v.A.To4(); ip4 != nil {
				out = append(out, netip.AddrFrom4([4]byte(ip4)))
			}
		case *dns.AAAA:
			if len(v.AAAA) == net.IPv6len {
				out = append(out, netip.AddrFrom16([16]byte(v.AAAA)))
			}
		}
	}
	return out
}
