/*
File: status.go
Version: 1.0.0
Description: Lookup status codes, their mapping from DNS rcodes, and the address family setting.
*/

package resolver

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Status is the outcome of a query or of a whole lookup.
type Status int

const (
	StatusSuccess Status = iota
	StatusFormatError
	StatusServerFailure
	StatusNameError
	StatusNotImplemented
	StatusRefused
	StatusGenericError
	StatusNoResponse
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFormatError:
		return "FORMERR"
	case StatusServerFailure:
		return "SERVFAIL"
	case StatusNameError:
		return "NXDOMAIN"
	case StatusNotImplemented:
		return "NOTIMP"
	case StatusRefused:
		return "REFUSED"
	case StatusGenericError:
		return "ERROR"
	case StatusNoResponse:
		return "NORESPONSE"
	default:
		return "UNKNOWN"
	}
}

func statusFromRcode(rcode int) Status {
	switch rcode {
	case dns.RcodeSuccess:
		return StatusSuccess
	case dns.RcodeFormatError:
		return StatusFormatError
	case dns.RcodeServerFailure:
		return StatusServerFailure
	case dns.RcodeNameError:
		return StatusNameError
	case dns.RcodeNotImplemented:
		return StatusNotImplemented
	case dns.RcodeRefused:
		return StatusRefused
	default:
		return StatusGenericError
	}
}

// Family restricts which record types a lookup asks for.
type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "both"
	}
}

// ParseFamily accepts "both"/"any", "ipv4"/"v4" and "ipv6"/"v6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both", "any":
		return FamilyAny, nil
	case "ipv4", "v4", "4":
		return FamilyIPv4, nil
	case "ipv6", "v6", "6":
		return FamilyIPv6, nil
	}
	return FamilyAny, fmt.Errorf("invalid address family %q (must be: both, ipv4, ipv6)", s)
}
