package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseIPv4 returns the dotted-quad form of s. A CIDR is accepted and its
// network address returned. Anything that is not IPv4 yields ok=false.
func ParseIPv4(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), true
		}
		return "", false
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return "", false
	}
	v4 := ipNet.IP.To4()
	if v4 == nil {
		return "", false
	}
	return v4.String(), true
}

// FormatCIDR joins an IPv4 address and prefix length. Returns "" when the
// address is not IPv4 or the mask is outside (0,32].
func FormatCIDR(ip string, mask int) string {
	addr, ok := ParseIPv4(ip)
	if !ok || mask <= 0 || mask > 32 {
		return ""
	}
	return fmt.Sprintf("%s/%d", addr, mask)
}

// SplitCIDR splits "10.0.0.0/24" into address and mask. A bare address gets
// mask 32.
func SplitCIDR(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	addr, maskStr, found := strings.Cut(s, "/")
	ip, ok := ParseIPv4(addr)
	if !ok {
		return "", 0, fmt.Errorf("invalid IPv4 address: %q", s)
	}
	if !found {
		return ip, 32, nil
	}
	mask, err := strconv.Atoi(maskStr)
	if err != nil || mask < 0 || mask > 32 {
		return "", 0, fmt.Errorf("invalid prefix length in %q", s)
	}
	return ip, mask, nil
}
