package dataconn

import (
	"strconv"
	"strings"

	"github.com/markus-lassfolk/celldata/pkg/netagent"
)

// Address families
const (
	FamilyIPv4 = 4
	FamilyIPv6 = 6
)

// IP types of a data connection
const (
	IPTypeIPv4   = "IPV4"
	IPTypeIPv6   = "IPV6"
	IPTypeIPv4v6 = "IPV4V6"
)

const (
	ipv4Bits       = 32
	ipv6Bits       = 128
	routedIPv4     = "0.0.0.0"
	routedIPv6     = "::"
	ipv4DotsInAddr = 4
)

func family(ip string) int {
	if strings.Contains(ip, ":") {
		return FamilyIPv6
	}
	return FamilyIPv4
}

// ParseIPAddr parses a space separated address list as reported by the
// modem. Entries are "addr", "addr/prefix" or, for IPv4, the dotted
// "a.b.c.d.m.m.m.m" address+netmask form. A missing prefix is a host route.
func ParseIPAddr(addresses string) []netagent.Address {
	var out []netagent.Address
	for _, item := range strings.Fields(addresses) {
		a := netagent.Address{Family: family(item)}
		ip, prefix, hasPrefix := strings.Cut(item, "/")
		a.Address = ip
		if hasPrefix {
			a.PrefixLen, _ = strconv.Atoi(prefix)
		} else if a.Family == FamilyIPv4 {
			if idx := nthIndex(ip, '.', ipv4DotsInAddr); idx >= 0 {
				a.Address = ip[:idx]
				a.Netmask = ip[idx+1:]
			}
		}
		if a.PrefixLen == 0 {
			a.PrefixLen = hostBits(a.Family)
		}
		out = append(out, a)
	}
	return out
}

// ParseNormalIPAddr parses a space separated list of plain addresses
func ParseNormalIPAddr(addresses string) []netagent.Address {
	var out []netagent.Address
	for _, item := range strings.Fields(addresses) {
		f := family(item)
		out = append(out, netagent.Address{Address: item, Family: f, PrefixLen: hostBits(f)})
	}
	return out
}

// ParseRoute builds default routes via each gateway of a space separated list
func ParseRoute(gateways, iface string) []netagent.Route {
	var out []netagent.Route
	for _, gw := range ParseNormalIPAddr(gateways) {
		dst := routedIPv4
		if gw.Family == FamilyIPv6 {
			dst = routedIPv6
		}
		out = append(out, netagent.Route{
			Iface:       iface,
			Gateway:     gw,
			Destination: netagent.Address{Address: dst, Family: gw.Family, PrefixLen: 0},
		})
	}
	return out
}

// GetIPType derives the IP type from the parsed addresses. It returns "" for
// an empty list.
func GetIPType(addrs []netagent.Address) string {
	var v4, v6 bool
	for _, a := range addrs {
		switch a.Family {
		case FamilyIPv4:
			v4 = true
		case FamilyIPv6:
			v6 = true
		}
	}
	switch {
	case v4 && v6:
		return IPTypeIPv4v6
	case v4:
		return IPTypeIPv4
	case v6:
		return IPTypeIPv6
	}
	return ""
}

func hostBits(family int) int {
	if family == FamilyIPv6 {
		return ipv6Bits
	}
	return ipv4Bits
}

func nthIndex(s string, c byte, n int) int {
	seen := 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			seen++
			if seen == n {
				return i
			}
		}
	}
	return -1
}
