package utils

import (
	"fmt"
	"net"
	"strings"
)

// ValidateIPRestriction checks that a restriction string is an IP address or a
// CIDR block. Empty means unrestricted.
func ValidateIPRestriction(restriction string) error {
	restriction = strings.TrimSpace(restriction)
	if restriction == "" {
		return nil
	}
	if strings.Contains(restriction, "/") {
		if _, _, err := net.ParseCIDR(restriction); err != nil {
			return fmt.Errorf("invalid CIDR restriction %q: %w", restriction, err)
		}
		return nil
	}
	if net.ParseIP(restriction) == nil {
		return fmt.Errorf("invalid IP restriction %q", restriction)
	}
	return nil
}

// IPMatches reports whether clientIP satisfies the restriction. An empty
// restriction always matches. An unparseable client IP never matches a
// non-empty restriction.
func IPMatches(restriction, clientIP string) bool {
	restriction = strings.TrimSpace(restriction)
	if restriction == "" {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return false
	}
	if strings.Contains(restriction, "/") {
		_, network, err := net.ParseCIDR(restriction)
		if err != nil {
			return false
		}
		return network.Contains(ip)
	}
	allowed := net.ParseIP(restriction)
	return allowed != nil && allowed.Equal(ip)
}
