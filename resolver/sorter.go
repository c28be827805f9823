/*
File: sorter.go
Version: 1.0.0
Description: Destination address ordering in the style of RFC 3484. Each candidate is annotated with
             the kernel-selected source address, scope, label and precedence, then ordered with a total
             comparator whose last tie-break is the original answer order.
*/

package resolver

import (
	"cmp"
	"encoding/binary"
	"math/bits"
	"net"
	"net/netip"
	"slices"

	"asyncnet/internal/netbind"
)

// sourceProber reports the local address the kernel would use toward dst, and whether dst is routable.
type sourceProber func(dst netip.Addr) (netip.Addr, bool)

// discardPort is only used to make the kernel pick a route; nothing is sent.
const discardPort = 9

func probeSource(ifIndex int) sourceProber {
	return func(dst netip.Addr) (netip.Addr, bool) {
		d := netbind.Dialer(ifIndex, netip.Addr{}, "udp", 0)
		c, err := d.Dial("udp", netip.AddrPortFrom(dst.Unmap(), discardPort).String())
		if err != nil {
			return netip.Addr{}, false
		}
		defer c.Close()

		src := netbind.AddrPortOf(c.LocalAddr()).Addr()
		return src, src.IsValid()
	}
}

type candidate struct {
	addr netip.Addr // as received, used for output
	dst  netip.Addr // unmapped, used for classification
	src  netip.Addr

	reachable     bool
	dstScope      int
	srcScope      int
	dstLabel      int
	srcLabel      int
	dstPrecedence int
	index         int
}

func newCandidate(addr netip.Addr, index int, probe sourceProber) candidate {
	c := candidate{
		addr:          addr,
		dst:           addr.Unmap(),
		dstScope:      scopeOf(addr),
		dstLabel:      labelTable.lookup(addr),
		dstPrecedence: precedenceTable.lookup(addr),
		srcScope:      -1,
		srcLabel:      -1,
		index:         index,
	}
	if probe == nil {
		return c
	}
	if src, ok := probe(c.dst); ok {
		c.src = src.Unmap()
		c.reachable = true
		c.srcScope = scopeOf(c.src)
		c.srcLabel = labelTable.lookup(c.src)
	}
	return c
}

func compareCandidates(a, b candidate) int {
	// Rule 1: prefer reachable destinations.
	if a.reachable != b.reachable {
		if a.reachable {
			return -1
		}
		return 1
	}

	// Rule 2: prefer matching scope.
	aMatch, bMatch := a.dstScope == a.srcScope, b.dstScope == b.srcScope
	if aMatch != bMatch {
		if aMatch {
			return -1
		}
		return 1
	}

	// Rule 5: prefer matching label.
	aMatch, bMatch = a.dstLabel == a.srcLabel, b.dstLabel == b.srcLabel
	if aMatch != bMatch {
		if aMatch {
			return -1
		}
		return 1
	}

	// Rule 6: prefer higher precedence.
	if c := cmp.Compare(b.dstPrecedence, a.dstPrecedence); c != 0 {
		return c
	}

	// Rule 8: prefer smaller scope.
	if c := cmp.Compare(a.dstScope, b.dstScope); c != 0 {
		return c
	}

	// Rule 9: prefer longest matching prefix (IPv6 only).
	if a.reachable && a.dst.Is6() && b.dst.Is6() {
		if c := cmp.Compare(commonPrefixLen(b.src, b.dst), commonPrefixLen(a.src, a.dst)); c != 0 {
			return c
		}
	}

	// Rule 10: keep the order the answers arrived in.
	return cmp.Compare(a.index, b.index)
}

// commonPrefixLen counts leading equal bits of two IPv6 addresses, one 32-bit word at a time.
func commonPrefixLen(a, b netip.Addr) int {
	if !a.Is6() || !b.Is6() {
		return 0
	}
	a16, b16 := a.As16(), b.As16()
	n := 0
	for i := 0; i < net.IPv6len; i += 4 {
		x := binary.BigEndian.Uint32(a16[i:]) ^ binary.BigEndian.Uint32(b16[i:])
		if x != 0 {
			return n + bits.LeadingZeros32(x)
		}
		n += 32
	}
	return n
}

func sortCandidates(addrs []netip.Addr, probe sourceProber) []netip.Addr {
	if len(addrs) == 0 {
		return nil
	}
	cands := make([]candidate, len(addrs))
	for i, a := range addrs {
		cands[i] = newCandidate(a, i, probe)
	}
	slices.SortFunc(cands, compareCandidates)

	out := make([]netip.Addr, len(cands))
	for i, c := range cands {
		out[i] = c.addr
	}
	return out
}

// SortAddresses orders addrs by destination preference as seen from the default route.
func SortAddresses(addrs []netip.Addr) []netip.Addr {
	return sortCandidates(addrs, probeSource(0))
}
