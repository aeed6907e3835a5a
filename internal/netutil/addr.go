// Package netutil normalizes the network addresses the service deals with:
// administrator origins handed to geolocation and the listener addresses of
// backend servers.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrNotRoutable is returned for origins that no geolocation backend can place.
var ErrNotRoutable = errors.New("address is not publicly routable")

// NormalizeHost lower-cases raw and strips an optional port, IPv6 brackets
// and a trailing dot.
func NormalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

// OriginAddr parses a request origin such as "198.51.100.7:53211" or
// "[2001:db8::1]" into an address. IPv4-mapped IPv6 addresses are unmapped.
func OriginAddr(raw string) (netip.Addr, error) {
	host := NormalizeHost(raw)
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("origin %q: %w", raw, err)
	}
	return addr.Unmap(), nil
}

// Routable reports whether addr is a public unicast address.
func Routable(addr netip.Addr) bool {
	if !addr.IsValid() || !addr.IsGlobalUnicast() {
		return false
	}
	return !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast()
}

// PublicOrigin returns the normalized textual form of a routable origin.
func PublicOrigin(raw string) (string, error) {
	addr, err := OriginAddr(raw)
	if err != nil {
		return "", err
	}
	if !Routable(addr) {
		return "", fmt.Errorf("origin %s: %w", addr, ErrNotRoutable)
	}
	return addr.String(), nil
}

// CheckServerAddrs validates the listener addresses of a backend server.
// Either may be empty; a non-empty ip4 must be IPv4 and a non-empty ip6
// must be IPv6.
func CheckServerAddrs(ip4, ip6 string) error {
	if v := strings.TrimSpace(ip4); v != "" {
		addr, err := netip.ParseAddr(v)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("invalid IPv4 address %q", ip4)
		}
	}
	if v := strings.TrimSpace(ip6); v != "" {
		addr, err := netip.ParseAddr(v)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("invalid IPv6 address %q", ip6)
		}
	}
	return nil
}
