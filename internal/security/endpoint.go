package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateGatewayURL checks that a configured payment gateway base URL is
// safe to call with the platform's secret key: https only, and never a
// private, loopback or link-local address. Both the literal host and its
// DNS-resolved addresses are checked.
func ValidateGatewayURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("gateway URL scheme must be https")
	}
	if u.Host == "" {
		return fmt.Errorf("gateway URL must have a host")
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("gateway host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve gateway host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("gateway host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
