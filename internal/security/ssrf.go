package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateIPRanges contains CIDR ranges for private/internal networks
var privateIPRanges = []string{
	"127.0.0.0/8",    // IPv4 loopback
	"10.0.0.0/8",     // RFC1918 private
	"172.16.0.0/12",  // RFC1918 private
	"192.168.0.0/16", // RFC1918 private
	"169.254.0.0/16", // Link-local
	"::1/128",        // IPv6 loopback
	"fc00::/7",       // IPv6 unique local
	"fe80::/10",      // IPv6 link-local
	"0.0.0.0/8",      // "This" network
}

// blockedHostnames are never valid notification targets
var blockedHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"metadata.google.internal",
	"169.254.169.254",
	"kubernetes.default.svc",
	"kubernetes.default",
}

var parsedCIDRs []*net.IPNet

func init() {
	for _, cidr := range privateIPRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			parsedCIDRs = append(parsedCIDRs, network)
		}
	}
}

// IsPrivateIP checks if an IP address is in a private/internal range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	for _, network := range parsedCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBlockedHostname checks a hostname and its parent domains against the blocklist
func IsBlockedHostname(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	for _, blocked := range blockedHostnames {
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}

// ValidateWebhookURL checks an audit, alert or review webhook target without
// DNS resolution. Production targets must be https and public; allowPrivate
// admits loopback and RFC1918 hosts for local sinks in development.
func ValidateWebhookURL(rawURL string, allowPrivate bool) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch parsedURL.Scheme {
	case "https":
	case "http":
		if !allowPrivate {
			return fmt.Errorf("webhook %s must use https", parsedURL.Host)
		}
	default:
		return fmt.Errorf("only http and https schemes are allowed")
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if allowPrivate {
		return nil
	}

	if IsBlockedHostname(hostname) {
		return fmt.Errorf("internal hostname '%s' is not allowed", hostname)
	}
	if ip := net.ParseIP(hostname); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("private IP address '%s' is not allowed", hostname)
	}
	return nil
}
