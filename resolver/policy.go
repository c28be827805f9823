/*
File: policy.go
Version: 1.0.0
Description: Address selection policy tables (precedence and label) kept in cidranger tries,
             plus address scope classification used by the sorter.
*/

package resolver

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
)

// Scope values as carried in the IPv6 multicast scope field.
const (
	scopeNode   = 0x1
	scopeLink   = 0x2
	scopeSite   = 0x5
	scopeGlobal = 0xe
)

type policyEntry struct {
	network net.IPNet
	value   int
}

func (e *policyEntry) Network() net.IPNet {
	return e.network
}

// policyTable classifies an address by its most specific containing prefix.
// It is built once at init and only read afterwards.
type policyTable struct {
	ranger   cidranger.Ranger
	fallback int
}

type policyRow struct {
	prefix string
	value  int
}

// IPv4 rows are written as IPv4 prefixes: addresses are unmapped before classification,
// so 0.0.0.0/0 stands for the ::ffff:0:0/96 row.
var (
	precedenceTable = mustPolicyTable(40, []policyRow{
		{"::1/128", 50},
		{"0.0.0.0/0", 35},
		{"2002::/16", 30},
		{"2001::/32", 5},
		{"fc00::/7", 3},
		{"::/96", 1},
		{"fec0::/10", 1},
		{"3ffe::/16", 1},
	})

	labelTable = mustPolicyTable(1, []policyRow{
		{"::1/128", 0},
		{"0.0.0.0/0", 4},
		{"2002::/16", 2},
		{"2001::/32", 5},
		{"fc00::/7", 13},
		{"::/96", 3},
		{"fec0::/10", 11},
		{"3ffe::/16", 12},
	})
)

func mustPolicyTable(fallback int, rows []policyRow) *policyTable {
	t := &policyTable{ranger: cidranger.NewPCTrieRanger(), fallback: fallback}
	for _, row := range rows {
		_, n, err := net.ParseCIDR(row.prefix)
		if err != nil {
			panic(fmt.Sprintf("policy prefix %q: %v", row.prefix, err))
		}
		if err := t.ranger.Insert(&policyEntry{network: *n, value: row.value}); err != nil {
			panic(fmt.Sprintf("policy prefix %q: %v", row.prefix, err))
		}
	}
	return t
}

func (t *policyTable) lookup(a netip.Addr) int {
	if !a.IsValid() {
		return t.fallback
	}
	networks, err := t.ranger.ContainingNetworks(net.IP(a.Unmap().AsSlice()))
	if err != nil || len(networks) == 0 {
		return t.fallback
	}
	// ContainingNetworks orders from least to most specific.
	return networks[len(networks)-1].(*policyEntry).value
}

// scopeOf returns the coarse address scope used by the destination ordering rules.
func scopeOf(a netip.Addr) int {
	a = a.Unmap()
	if a.Is4() {
		b := a.As4()
		switch {
		case b[0] == 127, b[0] == 169 && b[1] == 254:
			return scopeLink
		case b[0] == 10, b[0] == 172 && b[1]&0xf0 == 16, b[0] == 192 && b[1] == 168:
			return scopeSite
		}
		return scopeGlobal
	}

	b := a.As16()
	switch {
	case a.IsMulticast():
		return int(b[1] & 0x0f)
	case a.IsLinkLocalUnicast(), a.IsLoopback():
		return scopeLink
	case b[0] == 0xfe && b[1]&0xc0 == 0xc0:
		return scopeSite
	}
	return scopeGlobal
}
