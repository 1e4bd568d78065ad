package ssrf

import "net/netip"

// Prefixes that are never acceptable targets for outbound webhook traffic,
// beyond what netip classifies for us. IPv4 and IPv6 are both covered.
var deniedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),   // CGNAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved
	netip.MustParsePrefix("2001:db8::/32"),   // IPv6 documentation
	netip.MustParsePrefix("fec0::/10"),       // deprecated site-local
	netip.MustParsePrefix("64:ff9b::/96"),    // NAT64: embeds arbitrary IPv4
	netip.MustParsePrefix("2002::/16"),       // 6to4: embeds arbitrary IPv4
}

var broadcastV4 = netip.MustParseAddr("255.255.255.255")

// Classify reports whether addr is a permissible public unicast address.
// Loopback, private (RFC1918 and ULA), link-local, CGNAT, unspecified,
// multicast, broadcast, documentation and reserved ranges are all denied.
// IPv4-mapped IPv6 addresses are unmapped before classification so
// ::ffff:127.0.0.1 cannot slip through.
func Classify(addr netip.Addr) error {
	addr = addr.Unmap()

	switch {
	case !addr.IsValid():
		return ErrAddressDenied
	case addr.IsLoopback():
		return ErrAddressDenied
	case addr.IsPrivate():
		return ErrAddressDenied
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return ErrAddressDenied
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return ErrAddressDenied
	case addr.IsUnspecified():
		return ErrAddressDenied
	case addr == broadcastV4:
		return ErrAddressDenied
	}

	for _, p := range deniedPrefixes {
		if p.Contains(addr) {
			return ErrAddressDenied
		}
	}
	return nil
}
