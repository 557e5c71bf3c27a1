package util

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// MaxFileURLLength is the maximum allowed length for media URLs.
const MaxFileURLLength = 2048

// lookupHost resolves hostnames for the private network check. Replaced in tests.
var lookupHost = net.LookupHost

// privateNetworks contains CIDR ranges for private/internal IPs.
var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
	}
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, _ := net.ParseCIDR(cidr)
		if ipNet != nil {
			nets = append(nets, ipNet)
		}
	}
	return nets
}()

// ValidateExactLength checks if a byte slice has exact length. Empty is allowed.
func ValidateExactLength(value []byte, exactLength int, fieldName string) error {
	if len(value) != exactLength && len(value) != 0 {
		return fmt.Errorf("%s must be exactly %d bytes, got %d bytes", fieldName, exactLength, len(value))
	}
	return nil
}

// ValidateFileURL validates that a media URL is safe to store and hand to browsers.
// Rejects non-https schemes, private/internal hosts, and overly long URLs.
func ValidateFileURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	if len(rawURL) > MaxFileURLLength {
		return fmt.Errorf("URL exceeds maximum length of %d characters", MaxFileURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" {
		return fmt.Errorf("URL scheme %q is not allowed; only https is permitted", u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL must have a hostname")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivate(ip) {
			return fmt.Errorf("URL host %q resolves to a private/internal IP address", hostname)
		}
		return nil
	}

	// DNS lookup failure is not fatal; the browser resolves the URL, not the server.
	addrs, err := lookupHost(hostname)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if resolved := net.ParseIP(addr); resolved != nil && isPrivate(resolved) {
			return fmt.Errorf("URL host %q resolves to a private/internal IP address %s", hostname, addr)
		}
	}

	return nil
}

func isPrivate(ip net.IP) bool {
	for _, ipNet := range privateNetworks {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
